// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Handler answers one remote call.
type Handler func(input any) (json.RawMessage, error)

// FakeRemote is an in-memory remote that counts calls per method. Queries
// can be held at a gate to observe in-flight behaviour.
type FakeRemote struct {
	mu      sync.Mutex
	queries map[string]Handler
	actions map[string]Handler
	calls   map[string]int
	inputs  map[string][]any
	gate    chan struct{}
	entered chan string
}

// NewFakeRemote creates an empty fake.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		queries: make(map[string]Handler),
		actions: make(map[string]Handler),
		calls:   make(map[string]int),
		inputs:  make(map[string][]any),
		entered: make(chan string, 64),
	}
}

// HandleQuery installs a query handler.
func (f *FakeRemote) HandleQuery(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[method] = h
}

// SetQuery makes method return v encoded as JSON.
func (f *FakeRemote) SetQuery(method string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.HandleQuery(method, func(any) (json.RawMessage, error) { return b, nil })
}

// HandleAction installs an action handler.
func (f *FakeRemote) HandleAction(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[method] = h
}

// Hold blocks every query until the returned release func is called.
func (f *FakeRemote) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Entered receives the method name of every query as it starts.
func (f *FakeRemote) Entered() <-chan string { return f.entered }

// Calls returns how many times method was called.
func (f *FakeRemote) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Inputs returns the inputs method was called with.
func (f *FakeRemote) Inputs(method string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.inputs[method]...)
}

// Query implements the remote query call.
func (f *FakeRemote) Query(ctx context.Context, method string, input any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[method]++
	f.inputs[method] = append(f.inputs[method], input)
	h := f.queries[method]
	gate := f.gate
	f.mu.Unlock()

	select {
	case f.entered <- method:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h == nil {
		return nil, fmt.Errorf("no handler for query %s", method)
	}
	return h(input)
}

// Mutate implements the remote action call.
func (f *FakeRemote) Mutate(ctx context.Context, method string, input any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[method]++
	f.inputs[method] = append(f.inputs[method], input)
	h := f.actions[method]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("no handler for action %s", method)
	}
	return h(input)
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s: %s", timeout, fmt.Sprintf(format, args...))
		}
		time.Sleep(2 * time.Millisecond)
	}
}
