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

// Package spinlock provides a lock where each goroutine trying to acquire it
// busy-waits till the lock becomes available.
package spinlock

import (
	"runtime"

	"gvisor.dev/irqmutex/pkg/atomicbitops"
)

// spinsBeforeYield is the number of failed acquisition attempts after which
// a waiter yields its processor.
const spinsBeforeYield = 64

// Lock is a spin lock. It is not reentrant: any attempt to re-acquire a lock
// already held by the current goroutine will deadlock.
//
// The zero value is an unlocked lock.
type Lock struct {
	state atomicbitops.Uint32
}

// Lock blocks until the lock can be acquired by the calling goroutine.
func (l *Lock) Lock() {
	for spins := 0; ; spins++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to acquire the lock and returns true if the lock could be
// acquired or false otherwise.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock relinquishes a held lock allowing other goroutines to acquire it.
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spinlock: unlock of unlocked lock")
	}
}

// IsLocked returns true if the lock is currently held.
func (l *Lock) IsLocked() bool {
	return l.state.Load() != 0
}
