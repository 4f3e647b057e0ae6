// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package irqmutex

import (
	"gvisor.dev/irqmutex/pkg/irq"
	"gvisor.dev/irqmutex/pkg/spinlock"
	"gvisor.dev/irqmutex/pkg/tmutex"
)

// Mutex protects a value of type T with a RawMutex[L, P].
//
// The zero value is an unlocked mutex protecting the zero value of T and
// using irq.Platform() to mask interrupts. A Mutex must not be copied after
// first use.
//
// Example, sharing a slice with an interrupt handler:
//
//	var x irqmutex.SpinMutex[[]int]
//
//	func handler(irq.Line) {
//		g := x.Lock()
//		defer g.Unlock()
//		*g.Value() = append(*g.Value(), 1)
//	}
type Mutex[L any, P LockerPtr[L], T any] struct {
	raw RawMutex[L, P]
	v   T
}

// NewMutex returns an unlocked mutex protecting v. Interrupts are masked with
// masker, or irq.Platform() if masker is nil.
//
// The pointer type of the inner lock is inferred:
//
//	m := irqmutex.NewMutex[tmutex.Mutex](nil, map[string]int{})
func NewMutex[L any, P LockerPtr[L], T any](masker irq.Masker, v T) *Mutex[L, P, T] {
	m := &Mutex[L, P, T]{v: v}
	m.raw.Init(masker)
	return m
}

// Init makes m mask interrupts with masker. It must be called before m is
// first used.
func (m *Mutex[L, P, T]) Init(masker irq.Masker) {
	m.raw.Init(masker)
}

// Lock blocks until the mutex is acquired and returns a Guard granting access
// to the protected value. Interrupts are masked on the calling context until
// the Guard is unlocked.
func (m *Mutex[L, P, T]) Lock() *Guard[L, P, T] {
	m.raw.Lock()
	return &Guard[L, P, T]{m: m}
}

// TryLock acquires the mutex if it is free. It returns a nil Guard and false
// otherwise, leaving the interrupt state as it found it.
func (m *Mutex[L, P, T]) TryLock() (*Guard[L, P, T], bool) {
	if !m.raw.TryLock() {
		return nil, false
	}
	return &Guard[L, P, T]{m: m}, true
}

// IsLocked reports whether the mutex is held. The answer may be stale by the
// time it is observed.
func (m *Mutex[L, P, T]) IsLocked() bool {
	return m.raw.IsLocked()
}

// Do calls f with the protected value while holding the mutex. The mutex is
// released when f returns or panics.
func (m *Mutex[L, P, T]) Do(f func(v *T)) {
	g := m.Lock()
	defer g.Unlock()
	f(g.Value())
}

// Raw returns the lock protecting the value, for use with APIs that take a
// Locker. Locking it directly bypasses the Guard bookkeeping.
func (m *Mutex[L, P, T]) Raw() *RawMutex[L, P] {
	return &m.raw
}

// Guard grants access to the value of a locked Mutex. Unlock must be called
// exactly once, typically deferred right after acquiring the guard:
//
//	g := m.Lock()
//	defer g.Unlock()
//
// A Guard belongs to the context that acquired it and must be unlocked there.
type Guard[L any, P LockerPtr[L], T any] struct {
	// m is nil once the guard is unlocked.
	m *Mutex[L, P, T]
}

// Value returns a pointer to the protected value. The pointer must not be
// used after Unlock.
func (g *Guard[L, P, T]) Value() *T {
	if g.m == nil {
		panic("irqmutex: use of unlocked guard")
	}
	return &g.m.v
}

// Unlock releases the mutex and restores the interrupt state that was in
// effect before it was acquired.
func (g *Guard[L, P, T]) Unlock() {
	m := g.m
	if m == nil {
		panic("irqmutex: unlock of unlocked guard")
	}
	g.m = nil
	m.raw.Unlock()
}

type (
	// SpinRawMutex is a RawMutex around a spin lock.
	SpinRawMutex = RawMutex[spinlock.Lock, *spinlock.Lock]

	// TRawMutex is a RawMutex around a tmutex.Mutex.
	TRawMutex = RawMutex[tmutex.Mutex, *tmutex.Mutex]
)

// SpinMutex is a Mutex around a spin lock, the equivalent of a
// spin_lock_irqsave protected variable.
type SpinMutex[T any] = Mutex[spinlock.Lock, *spinlock.Lock, T]

// SpinGuard is the Guard of a SpinMutex.
type SpinGuard[T any] = Guard[spinlock.Lock, *spinlock.Lock, T]

// TMutex is a Mutex around a tmutex.Mutex, whose waiters sleep instead of
// spinning.
type TMutex[T any] = Mutex[tmutex.Mutex, *tmutex.Mutex, T]

// TGuard is the Guard of a TMutex.
type TGuard[T any] = Guard[tmutex.Mutex, *tmutex.Mutex, T]
