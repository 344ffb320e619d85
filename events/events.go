// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package events provides a typed event sender with three dispatch tiers for
// its subscribers: synchronous handlers called in registration order, ordered
// handlers awaited one after another, and parallel handlers fanned out and
// joined.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// SyncFn is a handler which is called inline when an event is raised.
type SyncFn[T any] func(ev T)

// HandlerFn is a handler which may block and report an error.
type HandlerFn[T any] func(ctx context.Context, ev T) error

type entry[T any] struct {
	id       uint64
	sync     SyncFn[T]
	ordered  HandlerFn[T]
	parallel HandlerFn[T]
}

// handlers is an immutable snapshot of the registered handlers.
type handlers[T any] struct {
	sync     []entry[T]
	ordered  []entry[T]
	parallel []entry[T]
}

// Sender multicasts events of type T to registered handlers. The handler
// list is replaced wholesale on every change, so Raise never holds a lock
// while handlers run and may be called concurrently.
type Sender[T any] struct {
	mu     sync.Mutex                  // serializes registration changes
	list   atomic.Pointer[handlers[T]] // the current handler snapshot
	nextID uint64
}

// AddSync registers a handler called synchronously, in registration order,
// before any other tier. It returns a function which removes the handler.
func (s *Sender[T]) AddSync(fn SyncFn[T]) (remove func()) {
	return s.add(entry[T]{sync: fn})
}

// AddOrdered registers a handler which is awaited in registration order after
// the synchronous tier. It returns a function which removes the handler.
func (s *Sender[T]) AddOrdered(fn HandlerFn[T]) (remove func()) {
	return s.add(entry[T]{ordered: fn})
}

// AddParallel registers a handler which runs concurrently with the other
// parallel handlers after the ordered tier. It returns a function which
// removes the handler.
func (s *Sender[T]) AddParallel(fn HandlerFn[T]) (remove func()) {
	return s.add(entry[T]{parallel: fn})
}

// Len returns the number of registered handlers across all tiers.
func (s *Sender[T]) Len() int {
	h := s.list.Load()
	if h == nil {
		return 0
	}

	return len(h.sync) + len(h.ordered) + len(h.parallel)
}

// Raise dispatches an event to all registered handlers and returns once every
// handler has finished. Errors from the ordered and parallel tiers are joined.
// A cancelled context stops any ordered handlers which have not yet started.
func (s *Sender[T]) Raise(ctx context.Context, ev T) error {
	h := s.list.Load()
	if h == nil {
		return nil
	}

	for _, e := range h.sync {
		e.sync(ev)
	}

	var errs []error
	for _, e := range h.ordered {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := e.ordered(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	if len(h.parallel) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range h.parallel {
			fn := e.parallel
			g.Go(func() error {
				return fn(gctx, ev)
			})
		}

		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Sender[T]) add(e entry[T]) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.id = s.nextID

	next := s.clone()
	switch {
	case e.sync != nil:
		next.sync = append(next.sync, e)
	case e.ordered != nil:
		next.ordered = append(next.ordered, e)
	case e.parallel != nil:
		next.parallel = append(next.parallel, e)
	default:
		return func() {}
	}
	s.list.Store(next)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.remove(e.id)
		})
	}
}

func (s *Sender[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.clone()
	s.list.Store(&handlers[T]{
		sync:     without(cur.sync, id),
		ordered:  without(cur.ordered, id),
		parallel: without(cur.parallel, id),
	})
}

// clone returns a copy of the current snapshot which is safe to modify.
func (s *Sender[T]) clone() *handlers[T] {
	next := new(handlers[T])
	if cur := s.list.Load(); cur != nil {
		next.sync = append([]entry[T]{}, cur.sync...)
		next.ordered = append([]entry[T]{}, cur.ordered...)
		next.parallel = append([]entry[T]{}, cur.parallel...)
	}

	return next
}

func without[T any](in []entry[T], id uint64) []entry[T] {
	out := in[:0]
	for _, e := range in {
		if e.id != id {
			out = append(out, e)
		}
	}

	return out
}
