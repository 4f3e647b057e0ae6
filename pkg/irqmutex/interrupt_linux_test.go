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

//go:build linux

package irqmutex

import (
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/irqmutex/pkg/irq"
	"gvisor.dev/irqmutex/pkg/spinlock"
	"gvisor.dev/irqmutex/pkg/sync"
)

const testLine irq.Line = 1

// TestInterruptDeferredWhileHeld locks a mutex guarding a slice, raises an
// interrupt whose handler appends to the slice through the same mutex, and
// checks that the handler only runs once the mutex is released.
func TestInterruptDeferredWhileHeld(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := irq.NewController()
	x := NewMutex[spinlock.Lock](c, []int{})
	if err := c.Register(testLine, func(irq.Line) {
		x.Do(func(v *[]int) {
			*v = append(*v, 1)
		})
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	g := x.Lock()
	if err := c.Raise(testLine); err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if diff := cmp.Diff([]int{}, *g.Value()); diff != "" {
		t.Errorf("handler ran while the mutex was held (-want +got):\n%s", diff)
	}
	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() = %d while held, want 1", got)
	}
	g.Unlock()

	// The handler runs as interrupts are restored.
	g = x.Lock()
	defer g.Unlock()
	if diff := cmp.Diff([]int{1}, *g.Value()); diff != "" {
		t.Errorf("protected value mismatch after release (-want +got):\n%s", diff)
	}
}

func TestMaskedWhileHeld(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := irq.NewController()
	var m SpinRawMutex
	m.Init(c)

	if !c.Enabled() {
		t.Fatalf("interrupts disabled before Lock")
	}
	m.Lock()
	if c.Enabled() {
		t.Errorf("interrupts enabled while held")
	}
	m.Unlock()
	if !c.Enabled() {
		t.Errorf("interrupts disabled after Unlock")
	}

	if !m.TryLock() {
		t.Fatalf("TryLock failed on unlocked mutex")
	}
	if c.Enabled() {
		t.Errorf("interrupts enabled while held through TryLock")
	}
	m.Unlock()
	if !c.Enabled() {
		t.Errorf("interrupts disabled after Unlock")
	}
}

func TestTryLockHeldByOtherContext(t *testing.T) {
	c := irq.NewController()
	var m TRawMutex
	m.Init(c)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Lock()
		close(locked)
		<-release
		m.Unlock()
	}()
	<-locked

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if m.TryLock() {
		t.Fatalf("TryLock succeeded on mutex held by another context")
	}
	if !c.Enabled() {
		t.Errorf("failed TryLock left interrupts disabled")
	}
	if !m.IsLocked() {
		t.Errorf("IsLocked returned false while held by another context")
	}

	close(release)
	<-done
	if m.IsLocked() {
		t.Errorf("IsLocked returned true after release")
	}
}

func TestNestedInstances(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := irq.NewController()
	var a, b SpinRawMutex
	a.Init(c)
	b.Init(c)

	handled := 0
	if err := c.Register(testLine, func(irq.Line) { handled++ }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	a.Lock()
	b.Lock()
	c.Raise(testLine)
	b.Unlock()
	if c.Enabled() {
		t.Errorf("interrupts enabled after releasing only the inner mutex")
	}
	if handled != 0 {
		t.Errorf("handler ran while the outer mutex was held")
	}
	a.Unlock()
	if !c.Enabled() {
		t.Errorf("interrupts disabled after releasing both mutexes")
	}
	if handled != 1 {
		t.Errorf("handler ran %d times after release, want 1", handled)
	}
}

// TestNestedInstancesOutOfOrder records the effect of releasing distinct
// mutexes in acquisition order. Interrupts come back on as soon as the outer
// mutex is released, while the inner one is still held, and releasing the
// inner one afterwards re-installs the masked state it captured.
func TestNestedInstancesOutOfOrder(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := irq.NewController()
	var a, b SpinRawMutex
	a.Init(c)
	b.Init(c)

	a.Lock()
	b.Lock()
	a.Unlock()
	t.Logf("interrupts enabled with b still held: %v", c.Enabled())
	b.Unlock()
	t.Logf("interrupts enabled after releasing b: %v", c.Enabled())

	if a.IsLocked() || b.IsLocked() {
		t.Errorf("mutexes still held after both were unlocked")
	}
}

// TestHandlerContendsWithOtherContext checks that a handler contending for a
// mutex held by a different context simply waits for it.
func TestHandlerContendsWithOtherContext(t *testing.T) {
	c := irq.NewController()
	x := NewMutex[spinlock.Lock](c, 0)

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g := x.Lock()
		close(locked)
		<-release
		*g.Value() = 10
		g.Unlock()
	}()
	<-locked

	if err := c.Register(testLine, func(irq.Line) {
		x.Do(func(v *int) { *v++ })
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	raised := make(chan struct{})
	go func() {
		defer close(raised)
		c.Raise(testLine)
	}()

	select {
	case <-raised:
		t.Fatalf("handler acquired a mutex held by another context")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case <-raised:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never acquired the released mutex")
	}
	wg.Wait()

	x.Do(func(v *int) {
		if *v != 11 {
			t.Errorf("value = %d, want 11", *v)
		}
	})
}

func TestConcurrentInterrupts(t *testing.T) {
	const gr = 8
	const iters = 500

	c := irq.NewController()
	type counters struct {
		work    int
		handled int
	}
	x := NewMutex[spinlock.Lock](c, counters{})
	if err := c.Register(testLine, func(irq.Line) {
		x.Do(func(v *counters) { v.handled++ })
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < gr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for j := 0; j < iters; j++ {
				g := x.Lock()
				g.Value().work++
				c.Raise(testLine)
				g.Unlock()
			}
		}()
	}
	wg.Wait()

	x.Do(func(v *counters) {
		want := counters{work: gr * iters, handled: gr * iters}
		if diff := cmp.Diff(want, *v, cmp.AllowUnexported(counters{})); diff != "" {
			t.Errorf("counters mismatch (-want +got):\n%s", diff)
		}
	})
}
