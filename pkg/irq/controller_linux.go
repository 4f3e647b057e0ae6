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

package irq

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/irqmutex/pkg/atomicbitops"
	"gvisor.dev/irqmutex/pkg/log"
	"gvisor.dev/irqmutex/pkg/sync"
)

// Line identifies an interrupt source of a Controller.
type Line int

// MaxLines is the number of lines multiplexed by a Controller.
const MaxLines = 64

// Handler services an interrupt. It runs on the context the interrupt was
// raised on, with interrupts masked on that context for its duration.
type Handler func(line Line)

var (
	// ErrInvalidLine is returned for lines outside [0, MaxLines).
	ErrInvalidLine = errors.New("invalid interrupt line")

	// ErrLineInUse is returned when registering a handler for a line that
	// already has one.
	ErrLineInUse = errors.New("interrupt line already has a handler")
)

const (
	stateEnabled State = 0
	stateMasked  State = 1
)

// cpuContext is the interrupt state of one execution context.
type cpuContext struct {
	masked  bool
	pending []Line
}

// Controller is a software interrupt controller. It delivers interrupts to
// the OS thread that raises them, preempting the running code if the thread
// has interrupts enabled and deferring delivery until they are re-enabled
// otherwise.
//
// Controller implements Masker.
type Controller struct {
	// mu protects the fields below. It is never held while a handler runs.
	mu sync.Mutex

	// handlers is indexed by line.
	handlers [MaxLines]Handler

	// contexts holds every context that is masked or has pending
	// interrupts, keyed by thread ID. Absent contexts are enabled and
	// idle.
	contexts map[int]*cpuContext

	// spurious counts interrupts raised on lines without a handler.
	spurious atomicbitops.Uint64

	// logger reports spurious interrupts.
	logger log.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger makes the controller report through l instead of a rate-limited
// global logger.
func WithLogger(l log.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController returns a controller with no handlers registered and
// interrupts enabled on every context.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		contexts: make(map[int]*cpuContext),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.BasicRateLimitedLogger(time.Second)
	}
	return c
}

func checkLine(line Line) error {
	if line < 0 || line >= MaxLines {
		return fmt.Errorf("%w: %d", ErrInvalidLine, line)
	}
	return nil
}

// Register installs h as the handler of line.
func (c *Controller) Register(line Line, h Handler) error {
	if err := checkLine(line); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("nil handler for line %d", line)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[line] != nil {
		return fmt.Errorf("%w: %d", ErrLineInUse, line)
	}
	c.handlers[line] = h
	log.Debugf("irq: registered handler for line %d", line)
	return nil
}

// Unregister removes the handler of line, if any. Interrupts already pending
// on the line are counted as spurious when delivered.
func (c *Controller) Unregister(line Line) {
	if checkLine(line) != nil {
		return
	}
	c.mu.Lock()
	c.handlers[line] = nil
	c.mu.Unlock()
}

// contextLocked returns the state of the context with the given thread ID,
// creating it if needed.
//
// Preconditions: c.mu is locked.
func (c *Controller) contextLocked(tid int) *cpuContext {
	cpu, ok := c.contexts[tid]
	if !ok {
		cpu = &cpuContext{}
		c.contexts[tid] = cpu
	}
	return cpu
}

// releaseLocked forgets the context if it is enabled and idle.
//
// Preconditions: c.mu is locked.
func (c *Controller) releaseLocked(tid int) {
	if cpu, ok := c.contexts[tid]; ok && !cpu.masked && len(cpu.pending) == 0 {
		delete(c.contexts, tid)
	}
}

// Disable implements Masker.Disable.
func (c *Controller) Disable() State {
	runtime.LockOSThread()
	tid := unix.Gettid()

	c.mu.Lock()
	defer c.mu.Unlock()
	cpu := c.contextLocked(tid)
	prev := stateEnabled
	if cpu.masked {
		prev = stateMasked
	}
	cpu.masked = true
	return prev
}

// Restore implements Masker.Restore. If it enables interrupts, every interrupt
// that became pending while they were masked is delivered before it returns.
func (c *Controller) Restore(s State) {
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()

	c.mu.Lock()
	c.contextLocked(tid).masked = s != stateEnabled
	c.mu.Unlock()

	c.dispatch(tid)
}

// Raise raises line on the calling thread. The handler runs before Raise
// returns if interrupts are enabled; otherwise delivery is deferred until
// they are.
func (c *Controller) Raise(line Line) error {
	if err := checkLine(line); err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()

	c.mu.Lock()
	cpu := c.contextLocked(tid)
	cpu.pending = append(cpu.pending, line)
	c.mu.Unlock()

	c.dispatch(tid)
	return nil
}

// dispatch delivers pending interrupts of the context in the order they were
// raised, as long as the context has interrupts enabled.
//
// Preconditions: the calling goroutine is wired to thread tid.
func (c *Controller) dispatch(tid int) {
	for {
		c.mu.Lock()
		cpu := c.contextLocked(tid)
		if cpu.masked || len(cpu.pending) == 0 {
			c.releaseLocked(tid)
			c.mu.Unlock()
			return
		}
		line := cpu.pending[0]
		cpu.pending = cpu.pending[1:]
		h := c.handlers[line]
		cpu.masked = true
		c.mu.Unlock()

		c.service(tid, line, h)
	}
}

// service runs h with interrupts masked on the context, unmasking them again
// even if h panics.
func (c *Controller) service(tid int, line Line, h Handler) {
	defer func() {
		c.mu.Lock()
		c.contextLocked(tid).masked = false
		c.mu.Unlock()
	}()

	if h == nil {
		c.spurious.Add(1)
		c.logger.Warningf("irq: spurious interrupt on line %d", line)
		return
	}
	h(line)
}

// Enabled returns true if interrupts are enabled on the calling thread.
func (c *Controller) Enabled() bool {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()

	c.mu.Lock()
	defer c.mu.Unlock()
	cpu, ok := c.contexts[tid]
	return !ok || !cpu.masked
}

// Pending returns the number of interrupts waiting for delivery on the calling
// thread.
func (c *Controller) Pending() int {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cpu, ok := c.contexts[tid]; ok {
		return len(cpu.pending)
	}
	return 0
}

// Spurious returns the number of interrupts delivered on lines without a
// handler.
func (c *Controller) Spurious() uint64 {
	return c.spurious.Load()
}
