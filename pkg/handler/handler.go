package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/types"
)

// ErrNoHandler is returned when neither a specific nor a default handler
// exists for a task type. The consumer treats it as non-retryable.
var ErrNoHandler = errors.New("no_handler")

// ErrMissingCredential is returned by handlers that require a credential
// when the injector could not provide one. Counts as a transient
// failure.
var ErrMissingCredential = errors.New("missing_credential")

// APIError reports an application-level error carried in an otherwise
// successful HTTP response.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api_error:%d", e.Code)
}

// Func executes one task with its bound resources. A nil return means
// success.
type Func func(ctx context.Context, task *types.Task, ictx *injector.Context) error

// Registry maps task types to handlers, with an optional default for
// unmatched types.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
	fallback Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register binds a handler to a task type, replacing any previous
// binding.
func (r *Registry) Register(taskType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = fn
}

// SetDefault installs the fallback handler used for unregistered task
// types.
func (r *Registry) SetDefault(fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Lookup resolves the handler for a task type. Returns ErrNoHandler when
// neither a specific handler nor a default exists.
func (r *Registry) Lookup(taskType string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.handlers[taskType]; ok {
		return fn, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for task type %q", ErrNoHandler, taskType)
}
