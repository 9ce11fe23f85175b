// Copyright 2026 NVIDIA Corporation
package storage

import (
	"bytes"
	"io"
	"runtime"
	"sync"
)

// Opener starts (or restarts) the raw byte source at the given offset.
type Opener func(offset int64) (io.ReadCloser, error)

const defaultChunkSize = 1 << 20

// ResumableStream is a lazy sequence of byte chunks that is also a reader.
// Transient read errors are retried through the error handler, resuming from
// the last successfully delivered offset. Closing releases the underlying
// source; a finalizer guarantees release even if the consumer abandons the
// stream.
type ResumableStream struct {
	mu        sync.Mutex
	open      Opener
	handler   ErrorHandler
	source    io.ReadCloser
	context   *APIContext
	bytesRead int64
	linesRead int64
	lineMode  bool
	chunkSize int
	closed    bool
}

// NewResumableStream wraps an opener with resumption and cleanup handling.
func NewResumableStream(open Opener, handler ErrorHandler) *ResumableStream {
	s := &ResumableStream{
		open:      open,
		handler:   handler,
		context:   NewAPIContext(),
		chunkSize: defaultChunkSize,
	}
	runtime.SetFinalizer(s, func(stream *ResumableStream) { _ = stream.Close() })
	return s
}

// Context exposes the stream's API execution context.
func (s *ResumableStream) Context() *APIContext { return s.context }

// Size is the total of all bytes ever yielded, monotonic across
// resumptions.
func (s *ResumableStream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesRead
}

// Lines reports the line count and whether line iteration was used.
func (s *ResumableStream) Lines() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linesRead, s.lineMode
}

func (s *ResumableStream) ensureSource() error {
	if s.source != nil {
		return nil
	}
	source, err := s.open(s.bytesRead)
	if err != nil {
		return err
	}
	s.source = source
	return nil
}

// readOnce performs one raw read, reopening at the current offset after a
// handled transient error.
func (s *ResumableStream) readOnce(p []byte) (int, error) {
	for {
		s.context.IncrementAttempt()
		if err := s.ensureSource(); err != nil {
			s.context.AddError(err)
			if !s.handler.Eligible(err) || !s.handler.HandleError(err, s.context) {
				return 0, err
			}
			continue
		}
		n, err := s.source.Read(p)
		if n > 0 {
			s.bytesRead += int64(n)
			return n, nil
		}
		if err == io.EOF {
			return 0, io.EOF
		}
		if err == nil {
			continue
		}
		s.context.AddError(err)
		// Drop the broken source; the next attempt resumes from the last
		// delivered offset.
		_ = s.source.Close()
		s.source = nil
		if !s.handler.Eligible(err) || !s.handler.HandleError(err, s.context) {
			return 0, err
		}
	}
}

// Next yields the next chunk, or io.EOF when the stream is exhausted.
func (s *ResumableStream) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	buf := make([]byte, s.chunkSize)
	n, err := s.readOnce(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Read implements io.Reader.
func (s *ResumableStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	return s.readOnce(p)
}

// Close releases the underlying source. Safe to call more than once.
func (s *ResumableStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.context.Finish()
	runtime.SetFinalizer(s, nil)
	if s.source != nil {
		err := s.source.Close()
		s.source = nil
		return err
	}
	return nil
}

// IterLines splits the stream on newline boundaries, never splitting a line
// across chunks: a trailing partial line is carried in a pending buffer and
// yielded on the next boundary (or at EOF). The lines counter is set iff
// this adapter is used.
func (s *ResumableStream) IterLines(keepends bool, yield func(line []byte) bool) error {
	s.mu.Lock()
	s.lineMode = true
	s.mu.Unlock()

	emit := func(line []byte) bool {
		s.mu.Lock()
		s.linesRead++
		s.mu.Unlock()
		if !keepends {
			line = trimLineEnding(line)
		}
		return yield(line)
	}

	var pending []byte
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data := append(pending, chunk...)
		for {
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				break
			}
			if !emit(data[:idx+1]) {
				return nil
			}
			data = data[idx+1:]
		}
		pending = append([]byte(nil), data...)
	}
	if len(pending) > 0 {
		emit(pending)
	}
	return nil
}

func trimLineEnding(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
