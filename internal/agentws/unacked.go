// Copyright 2026 NVIDIA Corporation

// Package agentws implements the agent side of the websocket plane: five
// long-lived streams per backend, each with an unacked-message replay buffer
// and a bounded credit window.
package agentws

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
)

// gate is a binary event: producers wait while it is cleared and proceed
// once it is set.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unacked is the FIFO-ordered uuid -> message buffer of sent-but-not-yet
// acknowledged messages. When it reaches maxUnacked the producer gate closes
// until any ack arrives.
type Unacked struct {
	mu         sync.Mutex
	order      *list.List
	byUUID     map[string]*list.Element
	maxUnacked int
	stream     string
	ready      *gate
	log        *zap.Logger
}

func NewUnacked(stream string, maxUnacked int, log *zap.Logger) *Unacked {
	if maxUnacked < 0 {
		maxUnacked = 0
	}
	return &Unacked{
		order:      list.New(),
		byUUID:     make(map[string]*list.Element),
		maxUnacked: maxUnacked,
		stream:     stream,
		ready:      newGate(),
		log:        log,
	}
}

func (u *Unacked) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.order.Len()
}

// List returns the buffered messages in insertion order, for replay after a
// reconnect.
func (u *Unacked) List() []messages.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]messages.Message, 0, u.order.Len())
	for elem := u.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(messages.Message))
	}
	return out
}

// Add blocks while the buffer is at capacity, then records the message.
func (u *Unacked) Add(ctx context.Context, msg messages.Message) error {
	if err := u.ready.Wait(ctx); err != nil {
		return err
	}
	u.mu.Lock()
	if elem, ok := u.byUUID[msg.UUID]; ok {
		elem.Value = msg
	} else {
		u.byUUID[msg.UUID] = u.order.PushBack(msg)
	}
	size := u.order.Len()
	if u.maxUnacked > 0 && size >= u.maxUnacked {
		u.log.Warn("reached max unacked message count",
			obs.String("stream", u.stream), obs.Int("max_unacked", u.maxUnacked))
		u.ready.Clear()
	}
	u.mu.Unlock()
	obs.UnackedMessages.WithLabelValues(u.stream).Set(float64(size))
	return nil
}

// Remove drops an acknowledged message and releases any blocked producer.
func (u *Unacked) Remove(uuid string) {
	u.mu.Lock()
	elem, ok := u.byUUID[uuid]
	if ok {
		u.order.Remove(elem)
		delete(u.byUUID, uuid)
	}
	size := u.order.Len()
	u.mu.Unlock()
	if !ok {
		u.log.Warn("message not found in unacked buffer",
			obs.String("stream", u.stream), obs.String("uuid", uuid))
		return
	}
	u.ready.Set()
	obs.UnackedMessages.WithLabelValues(u.stream).Set(float64(size))
}
