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

// Package irqmutex provides a mutex for sharing data with interrupt handlers
// or signal handlers.
//
// Using normal mutexes to share data with interrupt handlers may result in
// deadlocks, because an interrupt may be raised while the mutex is held on
// the same execution context, and the handler then spins or blocks on a lock
// that can only be released by the code it preempted.
//
// RawMutex wraps another lock and masks interrupts on the current context
// while the inner lock is held. When it is unlocked, the previous interrupt
// state is restored. With a spin lock as the inner lock, Lock and Unlock
// correspond to Linux's spin_lock_irqsave and spin_unlock_irqrestore, except
// that the saved flags are kept inside the mutex rather than in a variable of
// the caller.
//
// Caveats: interrupts are masked on a best-effort basis. Holding a Guard does
// not guarantee that interrupts are masked. Unlocking distinct mutexes in an
// order other than the reverse of the order they were locked in restores an
// intermediate interrupt state and may enable interrupts prematurely, and
// nothing prevents code holding a Guard from enabling interrupts by hand.
package irqmutex

import (
	"gvisor.dev/irqmutex/pkg/irq"
	"gvisor.dev/irqmutex/pkg/sync"
)

// Locker is the contract of a lock wrapped by RawMutex. The zero value of an
// implementation must be an unlocked lock. Reentrancy is not required.
type Locker interface {
	// Lock blocks until the lock is acquired. Unlock releases it and must
	// only be called by the holder.
	sync.Locker

	// TryLock acquires the lock if it is free and reports whether it did.
	TryLock() bool

	// IsLocked reports whether the lock is held. The answer may be stale
	// by the time it is observed.
	IsLocked() bool
}

// LockerPtr is satisfied by pointers to Locker implementations, which lets
// RawMutex hold its inner lock by value.
type LockerPtr[L any] interface {
	*L
	Locker
}

// tokenSlot holds the interrupt token of the current holder of a RawMutex.
//
// It is not synchronized. It is only accessed by RawMutex while the inner
// lock is held by the accessing goroutine, which makes that goroutine its
// sole user; the inner lock orders accesses by successive holders.
type tokenSlot struct {
	token irq.Token
	full  bool
}

// put stores t in the empty slot.
//
// Preconditions: the inner lock is held by the caller.
func (s *tokenSlot) put(t irq.Token) {
	if s.full {
		panic("irqmutex: interrupt token slot already full")
	}
	s.token, s.full = t, true
}

// take removes and returns the token of the full slot.
//
// Preconditions: the inner lock is held by the caller.
func (s *tokenSlot) take() irq.Token {
	if !s.full {
		panic("irqmutex: unlock of unlocked mutex")
	}
	t := s.token
	s.token, s.full = irq.Token{}, false
	return t
}

// RawMutex is a lock that masks interrupts on the current execution context
// while its inner lock L is held.
//
// The zero value is an unlocked mutex using irq.Platform() to mask
// interrupts. A RawMutex must not be copied after first use.
//
// RawMutex itself implements Locker.
type RawMutex[L any, P LockerPtr[L]] struct {
	inner  L
	masker irq.Masker

	// token is only accessed while inner is held.
	token tokenSlot
}

// Init makes m mask interrupts with masker instead of irq.Platform(). It must
// be called before m is first used.
func (m *RawMutex[L, P]) Init(masker irq.Masker) {
	m.masker = masker
}

func (m *RawMutex[L, P]) mask() irq.Token {
	if m.masker == nil {
		return irq.Disable(irq.Platform())
	}
	return irq.Disable(m.masker)
}

// Lock masks interrupts on the current context and then acquires the inner
// lock, blocking until it is available.
func (m *RawMutex[L, P]) Lock() {
	t := m.mask()
	P(&m.inner).Lock()
	m.token.put(t)
}

// TryLock masks interrupts and attempts to acquire the inner lock without
// blocking. On failure the interrupt state is restored before it returns
// false.
func (m *RawMutex[L, P]) TryLock() bool {
	t := m.mask()
	if !P(&m.inner).TryLock() {
		t.Restore()
		return false
	}
	m.token.put(t)
	return true
}

// Unlock releases the inner lock and then restores the interrupt state that
// was in effect before the matching Lock or TryLock.
//
// Preconditions: m is held by the caller, on the context that locked it.
func (m *RawMutex[L, P]) Unlock() {
	t := m.token.take()
	P(&m.inner).Unlock()
	t.Restore()
}

// IsLocked returns the inner lock's answer to IsLocked.
func (m *RawMutex[L, P]) IsLocked() bool {
	return P(&m.inner).IsLocked()
}
