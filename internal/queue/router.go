package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rzbill/cmdfeed/internal/command"
)

// Router selects a Backend per QueueStorageType.
type Router struct {
	backends map[command.QueueStorageType]Backend
	def      command.QueueStorageType
}

// NewRouter builds a router. def is used for StorageUndefined and must be registered.
func NewRouter(def command.QueueStorageType, backends ...Backend) (*Router, error) {
	r := &Router{backends: make(map[command.QueueStorageType]Backend, len(backends)), def: def}
	for _, b := range backends {
		if b == nil {
			continue
		}
		if _, dup := r.backends[b.Type()]; dup {
			return nil, fmt.Errorf("queue: duplicate backend %s", b.Type())
		}
		r.backends[b.Type()] = b
	}
	if _, ok := r.backends[def]; !ok {
		return nil, fmt.Errorf("%w: default %s not registered", ErrUnknownStorage, def)
	}
	return r, nil
}

// Backend returns the backend for t.
func (r *Router) Backend(t command.QueueStorageType) (Backend, error) {
	if t == command.StorageUndefined {
		t = r.def
	}
	b, ok := r.backends[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStorage, t)
	}
	return b, nil
}

// Default returns the storage type used for StorageUndefined.
func (r *Router) Default() command.QueueStorageType { return r.def }

// All returns registered backends ordered by storage type.
func (r *Router) All() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// ForHandle returns the backend that issued h.
func (r *Router) ForHandle(h Handle) (Backend, error) {
	b, err := r.Backend(h.StorageType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	return b, nil
}

// Ping checks every backend.
func (r *Router) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range r.All() {
		if err := b.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Type(), err))
		}
	}
	return errors.Join(errs...)
}

// PurgeDedup purges expired dedup records on every backend and returns the
// total removed. A failing backend does not stop the others.
func (r *Router) PurgeDedup(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, b := range r.All() {
		n, err := b.PurgeDedup(ctx)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Type(), err))
		}
	}
	return total, errors.Join(errs...)
}

// Close closes every backend.
func (r *Router) Close() error {
	var errs []error
	for _, b := range r.All() {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
