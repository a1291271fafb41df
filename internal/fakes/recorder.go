// Package fakes provides in-memory doubles of the identity, directory and
// graph backends and of the notifier. Every call is recorded and any call can
// be made to fail.
package fakes

import (
	"strings"
	"sync"
)

// Call is one recorded method invocation.
type Call struct {
	Method string
	Args   []string
}

// Arg returns the i-th argument or "".
func (c Call) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

type recorder struct {
	mu     sync.Mutex
	calls  []Call
	hooks  []func(Call) error
	writes map[string]bool
}

func newRecorder(writeMethods ...string) *recorder {
	w := make(map[string]bool, len(writeMethods))
	for _, m := range writeMethods {
		w[m] = true
	}
	return &recorder{writes: w}
}

// record appends the call and returns the first injected failure.
func (r *recorder) record(method string, args ...string) error {
	r.mu.Lock()
	call := Call{Method: method, Args: args}
	r.calls = append(r.calls, call)
	hooks := append([]func(Call) error(nil), r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		if err := h(call); err != nil {
			return err
		}
	}
	return nil
}

// Calls returns a copy of every recorded call.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times method was called.
func (r *recorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Writes counts calls to mutating methods.
func (r *recorder) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if r.writes[c.Method] {
			n++
		}
	}
	return n
}

// Methods lists recorded method names in call order.
func (r *recorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

// FailOn makes every call to method return err.
func (r *recorder) FailOn(method string, err error) {
	r.FailWhen(func(c Call) error {
		if c.Method == method {
			return err
		}
		return nil
	})
}

// FailWhen installs a hook consulted on every call.
func (r *recorder) FailWhen(fn func(Call) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// ResetCalls forgets recorded calls but keeps hooks and state.
func (r *recorder) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
