package jobs

import (
	"context"
	"sync"
)

// lanes admits one holder per key. Work for a busy key is parked and
// handed to the holder on release, so no goroutine waits on a busy key
// unless it asks to with Wait.
type lanes struct {
	mu   sync.Mutex
	busy map[string]*lane
}

type lane struct {
	parked  []string
	waiters []chan struct{}
}

func newLanes() *lanes {
	return &lanes{busy: make(map[string]*lane)}
}

// Acquire takes key if it is free. Otherwise id is parked behind the
// current holder and Acquire returns false.
func (l *lanes) Acquire(key, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.busy[key]; ok {
		ln.parked = append(ln.parked, id)
		return false
	}
	l.busy[key] = &lane{}
	return true
}

// Wait blocks until the caller holds key or ctx ends.
func (l *lanes) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	ln, ok := l.busy[key]
	if !ok {
		l.busy[key] = &lane{}
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	ln.waiters = append(ln.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range ln.waiters {
		if w == ch {
			ln.waiters = append(ln.waiters[:i], ln.waiters[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()
	// handed over while giving up: pass it on
	l.drop(key)
	return ctx.Err()
}

// Release gives up key. When work is parked behind it, the caller keeps
// the key and gets the next parked id instead.
func (l *lanes) Release(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln := l.busy[key]
	if ln == nil {
		return "", false
	}
	if len(ln.parked) > 0 {
		id := ln.parked[0]
		ln.parked = ln.parked[1:]
		return id, true
	}
	l.handOff(key, ln)
	return "", false
}

// drop releases key without taking parked work. Parked ids stay with the
// lane for the next holder; with no holder left they are abandoned to Recover.
func (l *lanes) drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln := l.busy[key]; ln != nil {
		l.handOff(key, ln)
	}
}

func (l *lanes) handOff(key string, ln *lane) {
	if len(ln.waiters) > 0 {
		ch := ln.waiters[0]
		ln.waiters = ln.waiters[1:]
		close(ch)
		return
	}
	delete(l.busy, key)
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.busy)
}
