package serverrun

import "sync"

// latest keeps only the newest value put; a slow consumer skips
// intermediate config versions.
type latest[T any] struct {
	mu  sync.Mutex
	v   T
	sig chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{sig: make(chan struct{}, 1)}
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	select {
	case l.sig <- struct{}{}:
	default:
	}
}

func (l *latest[T]) ready() <-chan struct{} { return l.sig }

func (l *latest[T]) take() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}
