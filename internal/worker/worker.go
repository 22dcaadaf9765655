// Package worker holds the background work-item machinery: the handler
// contract, the lock-coordinated queue flush worker, and the lease renewal
// runner that keeps singleton workers singleton.
package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// WorkItem is one unit of background work.
type WorkItem struct {
	ID           string
	EnqueuedTime time.Time
	Data         json.RawMessage
}

// DiagContext collects diagnostic properties a handler attaches while
// processing; the caller emits them with the completion log line.
type DiagContext struct {
	mu    sync.Mutex
	props map[string]string
}

// NewDiagContext creates an empty diagnostic context.
func NewDiagContext() *DiagContext {
	return &DiagContext{props: make(map[string]string)}
}

// SetProperty records a named diagnostic value, overwriting any previous one.
func (d *DiagContext) SetProperty(name, value string) {
	d.mu.Lock()
	d.props[name] = value
	d.mu.Unlock()
}

// Properties returns the recorded keys in stable order with their values.
func (d *DiagContext) Properties() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.props))
	for k, v := range d.props {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Result is a handler's verdict for a work item.
type Result struct {
	retry      bool
	retryAfter time.Duration
}

// Success reports the item fully handled.
func Success() Result { return Result{} }

// RetryAfter asks the scheduler to run the item again after the delay.
func RetryAfter(d time.Duration) Result { return Result{retry: true, retryAfter: d} }

// Retry reports whether the item should run again, and when.
func (r Result) Retry() (bool, time.Duration) { return r.retry, r.retryAfter }

// Handler processes work items.
type Handler interface {
	Process(ctx context.Context, item WorkItem, diag *DiagContext) (Result, error)
}
