package blob

import (
	"context"
	"time"
)

// timeoutStore bounds every call of the wrapped store by a deadline.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout wraps s so each call runs under timeout. A zero timeout returns s unchanged.
// The wrapper keeps presigning available when s supports it.
func WithTimeout(s Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return s
	}
	t := &timeoutStore{next: s, timeout: timeout}
	if p, ok := s.(Presigner); ok {
		return &presigningTimeoutStore{timeoutStore: t, presigner: p}
	}
	return t
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Get(ctx, key)
}

func (t *timeoutStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Put(ctx, key, data, contentType)
}

func (t *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Delete(ctx, key)
}

func (t *timeoutStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Exists(ctx, key)
}

type presigningTimeoutStore struct {
	*timeoutStore
	presigner Presigner
}

func (p *presigningTimeoutStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.presigner.PresignGet(ctx, key, ttl)
}
