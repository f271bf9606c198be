// Package pending tracks input requests that suspend an agent until a human
// answer arrives. Each request resolves at most once.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownRequest is returned when no outstanding request has the id:
	// it never existed, was cancelled, expired, or its session ended.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrAlreadyResolved is returned when a request already received its answer.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrDuplicateRequest is returned by Add when the id is outstanding.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrCancelled is delivered to a waiter whose request was cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrExpired is delivered to a waiter whose request outlived the
	// registry's input timeout.
	ErrExpired = errors.New("request expired")

	// ErrClosed is returned once the registry has been closed.
	ErrClosed = errors.New("registry closed")
)

// Request is a one-shot suspension handle. Exactly one of answer delivery,
// cancellation or expiry happens, decided under the registry lock.
type Request struct {
	ID        string
	CreatedAt time.Time

	answer chan string
	done   chan struct{}
	err    error
	timer  *time.Timer
}

// Wait blocks until the request is resolved, cancelled, expired, or ctx ends.
func (r *Request) Wait(ctx context.Context) (string, error) {
	select {
	case a := <-r.answer:
		return a, nil
	case <-r.done:
		return "", r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Info describes an outstanding request.
type Info struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Age       time.Duration `json:"age"`
}

// Registry maps request ids to outstanding Requests for one session.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*Request
	resolved map[string]struct{}
	timeout  time.Duration
	closed   bool
}

// NewRegistry creates a registry. A zero timeout means requests wait
// indefinitely.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		requests: make(map[string]*Request),
		resolved: make(map[string]struct{}),
		timeout:  timeout,
	}
}

// SetTimeout changes the input timeout for requests added afterwards.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// Add registers a new outstanding request. It must be called before the
// request id is published so an early answer always finds the entry.
func (r *Registry) Add(id string) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.requests[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	req := &Request{
		ID:        id,
		CreatedAt: time.Now(),
		answer:    make(chan string, 1),
		done:      make(chan struct{}),
	}
	if r.timeout > 0 {
		req.timer = time.AfterFunc(r.timeout, func() {
			r.finish(id, req, ErrExpired)
		})
	}
	r.requests[id] = req
	return req, nil
}

// Resolve delivers answer to the request and removes it.
func (r *Registry) Resolve(id, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		if _, done := r.resolved[id]; done {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
		}
		if r.closed {
			return fmt.Errorf("%w: %s: %w", ErrUnknownRequest, id, ErrClosed)
		}
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(r.requests, id)
	r.resolved[id] = struct{}{}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.answer <- answer
	return nil
}

// Cancel wakes the waiter of one request with ErrCancelled.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	req, ok := r.requests[id]
	r.mu.Unlock()
	if !ok || !r.finish(id, req, ErrCancelled) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return nil
}

// Reset cancels every outstanding request and forgets resolved ids.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelAllLocked(ErrCancelled)
	r.resolved = make(map[string]struct{})
}

// Close cancels every outstanding request with ErrClosed. Later Add calls
// fail and Resolve reports ErrUnknownRequest. Close is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cancelAllLocked(ErrClosed)
	r.resolved = make(map[string]struct{})
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Outstanding lists outstanding requests, oldest first.
func (r *Registry) Outstanding() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]Info, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, Info{ID: req.ID, CreatedAt: req.CreatedAt, Age: now.Sub(req.CreatedAt)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// finish removes req and wakes its waiter with err. It reports false when
// the request already left the registry.
func (r *Registry) finish(id string, req *Request, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.requests[id]; !ok || cur != req {
		return false
	}
	r.finishLocked(id, req, err)
	return true
}

// finishLocked requires r.mu.
func (r *Registry) finishLocked(id string, req *Request, err error) {
	delete(r.requests, id)
	if req.timer != nil {
		req.timer.Stop()
	}
	req.err = err
	close(req.done)
}

func (r *Registry) cancelAllLocked(cause error) int {
	n := len(r.requests)
	for id, req := range r.requests {
		r.finishLocked(id, req, cause)
	}
	return n
}
