// Copyright 2018 Google LLC
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

// Package tmutex provides the implementation of a mutex that implements an
// efficient TryLock function in addition to Lock and Unlock. It also reports
// whether it is held, which makes it usable as the inner lock of an
// irqmutex.RawMutex.
package tmutex

import (
	"gvisor.dev/irqmutex/pkg/atomicbitops"
	"gvisor.dev/irqmutex/pkg/sync"
)

const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// Mutex is a mutual exclusion primitive that implements TryLock in addition
// to Lock and Unlock.
//
// The zero value is an unlocked mutex.
type Mutex struct {
	v atomicbitops.Int32

	// ch is created on first contention. A pending wake-up is kept in its
	// buffer so that an Unlock racing with a waiter going to sleep is never
	// lost.
	chOnce sync.Once
	ch     chan struct{}
}

func (m *Mutex) wake() chan struct{} {
	m.chOnce.Do(func() {
		m.ch = make(chan struct{}, 1)
	})
	return m.ch
}

// Lock acquires the mutex. If it is currently held by another goroutine, Lock
// will wait until it has a chance to acquire it.
func (m *Mutex) Lock() {
	// Uncontended case.
	if m.v.CompareAndSwap(unlocked, locked) {
		return
	}

	ch := m.wake()
	for {
		// Try to acquire the mutex again, at the same time making sure
		// that m.v is contended, which indicates to the owner of the
		// lock that it must try to wake someone up when it releases the
		// mutex.
		if m.v.Swap(contended) == unlocked {
			return
		}

		// Wait for the mutex to be released before trying again.
		<-ch
	}
}

// TryLock attempts to acquire the mutex without blocking. If the mutex is
// currently held by another goroutine, it fails to acquire it and returns
// false.
func (m *Mutex) TryLock() bool {
	if m.v.Load() != unlocked {
		return false
	}
	return m.v.CompareAndSwap(unlocked, locked)
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	switch m.v.Swap(unlocked) {
	case locked:
		// There were no pending waiters.
		return
	case unlocked:
		panic("tmutex: unlock of unlocked mutex")
	}

	// Wake some waiter up.
	select {
	case m.wake() <- struct{}{}:
	default:
	}
}

// IsLocked returns true if the mutex is currently held. The result may be
// stale by the time it is observed.
func (m *Mutex) IsLocked() bool {
	return m.v.Load() != unlocked
}
