package app

import (
	"context"
	"sync"
	"time"

	"github.com/ikvm/Microservice/internal/storage"
	"github.com/ikvm/Microservice/pkg/logx"
)

// dedup drops inbound messages whose id was seen within window. Ids are
// kept in memory and, when a store is configured, persisted so a restart
// does not replay recent deliveries.
type dedup struct {
	window time.Duration
	store  storage.Store
	log    logx.Logger

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
	now       func() time.Time
}

func newDedup(window time.Duration, store storage.Store, log logx.Logger) *dedup {
	return &dedup{
		window: window,
		store:  store,
		log:    log,
		seen:   map[string]time.Time{},
		now:    time.Now,
	}
}

func (d *dedup) enabled() bool { return d != nil && d.window > 0 }

// Seen reports whether id is a duplicate and marks it otherwise.
func (d *dedup) Seen(ctx context.Context, id string) bool {
	if !d.enabled() || id == "" {
		return false
	}
	now := d.now()
	key := "msg:" + id

	d.mu.Lock()
	if until, ok := d.seen[key]; ok && now.Before(until) {
		d.mu.Unlock()
		return true
	}
	d.mu.Unlock()

	if d.store != nil {
		if _, ok, err := d.store.GetDedup(ctx, key); err != nil {
			d.log.Debug("dedup lookup failed", logx.Err(err))
		} else if ok {
			d.mark(key, now)
			return true
		}
	}

	d.mark(key, now)
	if d.store != nil {
		if err := d.store.PutDedup(ctx, key, now.Add(d.window)); err != nil {
			d.log.Debug("dedup persist failed", logx.Err(err))
		}
	}
	return false
}

func (d *dedup) mark(key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = now.Add(d.window)
	if now.Sub(d.lastPrune) < d.window {
		return
	}
	d.lastPrune = now
	for k, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, k)
		}
	}
}
