package grouplock

import (
	"context"
	"sync"
)

// LocalLocker serializes groups within a single process. It is the default
// when no Redis URL is configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := normalize(keys)
	acquired := make([]string, 0, len(sorted))

	release := func() {
		l.mu.Lock()
		for _, key := range acquired {
			if ch, ok := l.held[key]; ok {
				delete(l.held, key)
				close(ch)
			}
		}
		l.mu.Unlock()
	}

	for _, key := range sorted {
		if err := l.acquire(ctx, key); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		waitCh, taken := l.held[key]
		if !taken {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCh:
		}
	}
}
