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

// Package irq masks and restores interrupt delivery on the current execution
// context.
//
// An execution context is whatever an interrupt preempts: a CPU on bare
// metal, an OS thread for POSIX signals. Maskers in this package treat the
// calling OS thread as the current context and keep the calling goroutine
// wired to it (runtime.LockOSThread) from Disable until the matching Restore,
// so the goroutine cannot migrate away from the context it masked.
//
// Masking nests per token: every Disable returns the State that was in effect
// immediately before it, and Restore re-installs exactly that State. Tokens
// restored in the reverse order of their creation therefore leave the context
// in its original state. Restoring them in any other order re-installs an
// intermediate state; callers that need the outermost state to win must
// release in LIFO order.
package irq

// State is an opaque snapshot of the interrupt mask of one execution context.
type State uint64

// Masker masks interrupts on the current execution context.
//
// Implementations must be context-local: masking on one context never
// affects another. They must support independent nested tokens as described
// in the package documentation.
type Masker interface {
	// Disable masks interrupts on the current context and returns the
	// state in effect before the call.
	Disable() State

	// Restore re-installs a state previously returned by Disable on the
	// same context.
	Restore(State)
}

// Token is the result of masking interrupts. Restoring it re-installs the
// mask state that was in effect when it was created.
//
// A Token must be restored exactly once, on the context that created it.
type Token struct {
	masker Masker
	state  State
}

// Disable masks interrupts on the current context using m.
func Disable(m Masker) Token {
	return Token{masker: m, state: m.Disable()}
}

// State returns the state captured by the token.
func (t Token) State() State {
	return t.state
}

// Restore re-installs the state captured by the token.
func (t Token) Restore() {
	t.masker.Restore(t.state)
}

// Nop is a Masker for contexts that have nothing to mask.
type Nop struct{}

// Disable implements Masker.Disable.
func (Nop) Disable() State { return 0 }

// Restore implements Masker.Restore.
func (Nop) Restore(State) {}
