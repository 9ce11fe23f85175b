// Copyright 2026 NVIDIA Corporation
package storage

import (
	"fmt"
	"sync"
)

// ClientFactory creates storage clients for one backend.
type ClientFactory interface {
	Create() (Client, error)
}

// ClientProvider hands out clients to workers. Bind selects the client for
// a logical item's storage profile; single-backend providers ignore it.
type ClientProvider interface {
	Bind(storageProfile string) (ClientProvider, error)
	Get() (Client, error)
	Close() error
}

// CacheableProvider lazily creates and caches one client. Not safe for
// concurrent use; the executor gives each single-threaded run its own.
type CacheableProvider struct {
	factory ClientFactory
	cached  Client
}

func NewCacheableProvider(factory ClientFactory) *CacheableProvider {
	return &CacheableProvider{factory: factory}
}

func (p *CacheableProvider) Bind(string) (ClientProvider, error) { return p, nil }

func (p *CacheableProvider) Get() (Client, error) {
	if p.cached == nil {
		client, err := p.factory.Create()
		if err != nil {
			return nil, err
		}
		p.cached = client
	}
	return p.cached, nil
}

func (p *CacheableProvider) Close() error {
	if p.cached == nil {
		return nil
	}
	err := p.cached.Close()
	p.cached = nil
	return err
}

// ClientPool shares one lazily-created client across worker goroutines.
// Backends' clients are concurrency-safe, so pooling is a create-once.
type ClientPool struct {
	mu      sync.Mutex
	factory ClientFactory
	client  Client
}

func NewClientPool(factory ClientFactory) *ClientPool {
	return &ClientPool{factory: factory}
}

func (p *ClientPool) Bind(string) (ClientProvider, error) { return p, nil }

func (p *ClientPool) Get() (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := p.factory.Create()
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	return p.client, nil
}

func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// ToProvider builds the provider flavor the executor asked for.
func ToProvider(factory ClientFactory, pool bool) ClientProvider {
	if pool {
		return NewClientPool(factory)
	}
	return NewCacheableProvider(factory)
}

// MuxClientFactory produces per-profile clients for the multiplexed
// executor: each work item carries a storage-profile key selecting its
// backend.
type MuxClientFactory struct {
	factories map[string]ClientFactory
}

func NewMuxClientFactory(factories map[string]ClientFactory) *MuxClientFactory {
	return &MuxClientFactory{factories: factories}
}

// Create is unsupported on the mux factory; callers must go through a
// provider bound to a profile.
func (f *MuxClientFactory) Create() (Client, error) {
	return nil, fmt.Errorf("mux factory requires a storage profile; use Bind")
}

// ToProvider returns the mux provider with one pooled provider per profile.
func (f *MuxClientFactory) ToProvider(pool bool) *MuxClientProvider {
	providers := make(map[string]ClientProvider, len(f.factories))
	for profile, factory := range f.factories {
		providers[profile] = ToProvider(factory, pool)
	}
	return &MuxClientProvider{providers: providers}
}

// MuxClientProvider routes Bind calls to the profile's provider.
type MuxClientProvider struct {
	providers map[string]ClientProvider
}

func (p *MuxClientProvider) Bind(storageProfile string) (ClientProvider, error) {
	provider, ok := p.providers[storageProfile]
	if !ok {
		return nil, fmt.Errorf("no storage client for profile %q", storageProfile)
	}
	return provider, nil
}

// Get without a profile is an error on the mux provider.
func (p *MuxClientProvider) Get() (Client, error) {
	return nil, fmt.Errorf("mux provider requires a storage profile; use Bind")
}

func (p *MuxClientProvider) Close() error {
	var firstErr error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
