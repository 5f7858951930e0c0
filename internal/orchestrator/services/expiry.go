// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// requestExpiry fires onExpire for every watched request id whose TTL ran out
type requestExpiry struct {
	cache    *ttlcache.Cache[string, struct{}]
	onExpire func(ctx context.Context, requestID string)

	// callbacks run off the cache's goroutine, which holds the cache lock while evicting
	callbacks sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRequestExpiry(ttl time.Duration, onExpire func(ctx context.Context, requestID string)) *requestExpiry {
	x := &requestExpiry{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		onExpire: onExpire,
		ctx:      context.Background(),
	}

	x.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		x.mu.Lock()
		ctx := x.ctx
		x.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		id := item.Key()
		getLog().Info().Str("request_id", id).Msg("Job request expired")
		x.callbacks.Add(1)
		go func() {
			defer x.callbacks.Done()
			x.onExpire(ctx, id)
		}()
	})
	return x
}

func (x *requestExpiry) start(ctx context.Context) {
	x.mu.Lock()
	if x.done != nil {
		x.mu.Unlock()
		return
	}
	x.ctx, x.cancel = context.WithCancel(ctx)
	x.done = make(chan struct{})
	ctx = x.ctx
	done := x.done
	x.mu.Unlock()

	go func() {
		defer close(done)
		x.cache.Start()
	}()
	go func() {
		<-ctx.Done()
		x.cache.Stop()
	}()
}

func (x *requestExpiry) stop() {
	x.mu.Lock()
	cancel, done := x.cancel, x.done
	x.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	x.callbacks.Wait()
}

func (x *requestExpiry) watch(requestID string) {
	x.cache.Set(requestID, struct{}{}, ttlcache.DefaultTTL)
}

func (x *requestExpiry) unwatch(requestID string) {
	x.cache.Delete(requestID)
}

func (x *requestExpiry) len() int {
	return x.cache.Len()
}
