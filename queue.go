// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import "sync"

// WriteQueue serializes writes from many producers onto one stream. Enqueue
// never blocks on I/O; a single drain goroutine writes frames in enqueue order.
type WriteQueue struct {
	write   func([]byte) error
	onError func(error)

	mu      sync.Mutex
	pending [][]byte
	running bool
	closed  bool
}

// NewWriteQueue returns a queue writing through write. onError, if set, is
// called once with the first write error that happens before Dispose; the
// queue is closed by then.
func NewWriteQueue(write func([]byte) error, onError func(error)) *WriteQueue {
	return &WriteQueue{write: write, onError: onError}
}

// Enqueue appends frame and reports whether it was accepted.
func (q *WriteQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, frame)
	if !q.running {
		q.running = true
		go q.drain()
	}
	return true
}

// Len returns the number of frames waiting to be written.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dispose stops accepting frames and discards pending ones. It does not wait
// for a write already in progress: that write may block until the stream
// itself is torn down, which happens only after the caller returns.
func (q *WriteQueue) Dispose() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}

func (q *WriteQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		frame := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.write(frame); err != nil {
			q.mu.Lock()
			disposed := q.closed
			q.closed = true
			q.pending = nil
			q.running = false
			q.mu.Unlock()
			// A write failing after Dispose is the stream going away.
			if !disposed && q.onError != nil {
				q.onError(err)
			}
			return
		}
	}
}
