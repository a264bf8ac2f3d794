// Package rpc exposes named server functions that clients invoke with a JSON
// payload and receive a JSON result from.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"livechat-presence/internal/domain"

	"go.uber.org/zap"
)

// Func handles one invocation. The returned value is marshalled as the result.
type Func func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Invoker is what callers of server functions depend on.
type Invoker interface {
	Invoke(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
}

type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any previous function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Invoke(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrFunctionNotFound, name)
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	result, err := fn(ctx, payload)
	if err != nil {
		r.logger.Debug("server function failed", zap.String("function", name), zap.Error(err))
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal result: %w", name, err)
	}
	return data, nil
}

func decode(payload json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
