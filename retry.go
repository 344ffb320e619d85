// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"
	"time"
)

// DefaultRetryInterval is the default time to wait for an acknowledgement
// before a qos flow packet is re-sent.
const DefaultRetryInterval = 10 * time.Second

// RetryFn is called when an acknowledgement was not received in time. It
// should re-send the packet for the id and return true, or return false if
// the flow is no longer pending.
type RetryFn func(id uint16) bool

// GiveUpFn is called when a flow exceeds the maximum number of retries.
type GiveUpFn func(id uint16)

// Retrier re-sends unacknowledged qos flow packets of one connection on an
// interval until they are cancelled or the retry limit is reached.
type Retrier struct {
	mu         sync.Mutex
	entries    map[uint16]*retryEntry
	onRetry    RetryFn
	onGiveUp   GiveUpFn
	interval   time.Duration
	maxRetries int // 0 retries indefinitely
	stopped    bool
}

type retryEntry struct {
	timer    *time.Timer
	attempts int
}

// NewRetrier returns a new Retrier. An interval of 0 or less uses
// DefaultRetryInterval. onGiveUp may be nil.
func NewRetrier(interval time.Duration, maxRetries int, onRetry RetryFn, onGiveUp GiveUpFn) *Retrier {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	return &Retrier{
		entries:    map[uint16]*retryEntry{},
		onRetry:    onRetry,
		onGiveUp:   onGiveUp,
		interval:   interval,
		maxRetries: maxRetries,
	}
}

// Track starts waiting for the acknowledgement of a packet id, replacing any
// existing wait for the same id. A nil retrier tracks nothing.
func (r *Retrier) Track(id uint16) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	if e, ok := r.entries[id]; ok {
		e.timer.Stop()
	}

	e := &retryEntry{}
	e.timer = time.AfterFunc(r.interval, func() {
		r.fire(id, e)
	})
	r.entries[id] = e
}

// Cancel stops waiting for a packet id, returning true if it was tracked.
func (r *Retrier) Cancel(id uint16) bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}

	e.timer.Stop()
	delete(r.entries, id)
	return true
}

// Stop cancels all waits. Track has no effect once stopped.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for id, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, id)
	}
}

// Len returns the number of tracked packet ids.
func (r *Retrier) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// fire handles the expiry of a wait. The callbacks run without the lock held
// so they may call Track or Cancel.
func (r *Retrier) fire(id uint16, e *retryEntry) {
	r.mu.Lock()
	if r.stopped || r.entries[id] != e {
		r.mu.Unlock()
		return
	}

	if r.maxRetries > 0 && e.attempts >= r.maxRetries {
		delete(r.entries, id)
		r.mu.Unlock()
		if r.onGiveUp != nil {
			r.onGiveUp(id)
		}
		return
	}

	e.attempts++
	r.mu.Unlock()

	ok := r.onRetry(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.entries[id] != e {
		return
	}

	if !ok {
		delete(r.entries, id)
		return
	}

	e.timer.Reset(r.interval)
}
