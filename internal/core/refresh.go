package core

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// TokenRefresher calls refresh at a fixed interval until stopped. A failed
// refresh ends the loop; the refresh func owns the failure handling.
type TokenRefresher struct {
	interval time.Duration
	refresh  func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewTokenRefresher(interval time.Duration, refresh func(ctx context.Context) error) *TokenRefresher {
	return &TokenRefresher{
		interval: interval,
		refresh:  refresh,
	}
}

// Start restarts the interval from now.
func (r *TokenRefresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

func (r *TokenRefresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				if ctx.Err() == nil {
					glog.Infof("[engine]token refresh failed = %s\n", err)
				}
				return
			}
		}
	}
}

// Stop does not wait for an in-flight refresh.
func (r *TokenRefresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *TokenRefresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
