// Package deque implements a Chase-Lev work-stealing deque: the owner
// pushes and pops from the bottom without contention, while any number
// of other workers steal from the top under CAS.
package deque

import (
	"sync/atomic"
)

const initialCapacity = 32

// buffer is a fixed-size ring; Get/Put index modulo its length, which is
// always a power of two.
type buffer[T any] struct {
	data []T
}

func newBuffer[T any](size int64) *buffer[T] {
	return &buffer[T]{data: make([]T, size)}
}

func (b *buffer[T]) get(i int64) T     { return b.data[i&(int64(len(b.data))-1)] }
func (b *buffer[T]) put(i int64, v T)  { b.data[i&(int64(len(b.data))-1)] = v }
func (b *buffer[T]) cap() int64        { return int64(len(b.data)) }

func (b *buffer[T]) grow(bottom, top int64) *buffer[T] {
	next := newBuffer[T](b.cap() * 2)
	for i := top; i < bottom; i++ {
		next.put(i, b.get(i))
	}

	return next
}

// Deque is a single-owner, multi-stealer double-ended queue of items of
// type T. The zero value is not usable; construct with New.
type Deque[T any] struct {
	bottom atomic.Int64
	top    atomic.Int64
	buf    atomic.Pointer[buffer[T]]
}

// New returns an empty deque.
func New[T any]() *Deque[T] {
	d := &Deque[T]{}
	d.buf.Store(newBuffer[T](initialCapacity))

	return d
}

// PushBottom adds v to the bottom of the deque. Only the owning worker
// may call this.
func (d *Deque[T]) PushBottom(v T) {
	b := d.bottom.Load()
	t := d.top.Load()
	buf := d.buf.Load()

	if b-t >= buf.cap()-1 {
		buf = buf.grow(b, t)
		d.buf.Store(buf)
	}

	buf.put(b, v)
	d.bottom.Store(b + 1)
}

// PopBottom removes and returns the item at the bottom of the deque, if
// any. Only the owning worker may call this; it races only against
// concurrent Steal calls, never against another PopBottom.
func (d *Deque[T]) PopBottom() (v T, ok bool) {
	b := d.bottom.Load() - 1
	buf := d.buf.Load()
	d.bottom.Store(b)
	t := d.top.Load()

	if t > b {
		// Deque was already empty; restore bottom.
		d.bottom.Store(b + 1)

		return v, false
	}

	v = buf.get(b)

	if t == b {
		// Last element: race a concurrent Steal for it with one CAS.
		if !d.top.CompareAndSwap(t, t+1) {
			d.bottom.Store(b + 1)

			return v, false
		}

		d.bottom.Store(b + 1)

		return v, true
	}

	return v, true
}

// Steal removes and returns the item at the top of the deque, if any.
// Any worker may call this concurrently with the owner's PushBottom and
// PopBottom, and with other Steal calls.
func (d *Deque[T]) Steal() (v T, ok bool) {
	t := d.top.Load()
	b := d.bottom.Load()

	if t >= b {
		return v, false
	}

	buf := d.buf.Load()
	v = buf.get(t)

	if !d.top.CompareAndSwap(t, t+1) {
		var zero T

		return zero, false
	}

	return v, true
}

// Empty reports whether the deque currently holds no items. Racy by
// construction (the same as every other observation of a concurrent
// deque's size); useful only as a scheduling hint.
func (d *Deque[T]) Empty() bool {
	b := d.bottom.Load()
	t := d.top.Load()

	return b <= t
}

// Len returns the deque's current size, subject to the same raciness as
// Empty.
func (d *Deque[T]) Len() int64 {
	b := d.bottom.Load()
	t := d.top.Load()

	if b < t {
		return 0
	}

	return b - t
}
