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

//go:build linux && (amd64 || arm64)

package irq

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// signalBit returns the bit of sig in the first word of a signal set.
func signalBit(sig unix.Signal) uint64 {
	return 1 << (uint(sig) - 1)
}

// unmaskable are never blocked by DefaultSignals. Synchronous faults cannot
// be deferred, SIGKILL and SIGSTOP cannot be blocked at all, and SIGURG
// drives goroutine preemption in the Go runtime.
var unmaskable = []unix.Signal{
	unix.SIGSEGV,
	unix.SIGBUS,
	unix.SIGFPE,
	unix.SIGILL,
	unix.SIGTRAP,
	unix.SIGKILL,
	unix.SIGSTOP,
	unix.SIGURG,
}

// DefaultSignals returns the signals blocked by the platform masker: every
// standard and real-time signal that fits in the first 64 bits of the mask,
// except those that cannot or must not be deferred.
func DefaultSignals() []unix.Signal {
	var skip uint64
	for _, sig := range unmaskable {
		skip |= signalBit(sig)
	}
	var sigs []unix.Signal
	for sig := unix.Signal(1); sig <= 64; sig++ {
		if skip&signalBit(sig) == 0 {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}

// SignalMasker masks POSIX signals on the calling thread with
// pthread_sigmask(2).
//
// Only signals delivered to the thread itself (for example with tgkill(2))
// are guaranteed to be deferred; the kernel hands process-directed signals to
// any other thread that does not block them.
type SignalMasker struct {
	set unix.Sigset_t
}

// NewSignalMasker returns a masker blocking sigs, or DefaultSignals if sigs is
// empty.
func NewSignalMasker(sigs ...unix.Signal) *SignalMasker {
	if len(sigs) == 0 {
		sigs = DefaultSignals()
	}
	m := &SignalMasker{}
	for _, sig := range sigs {
		m.set.Val[0] |= signalBit(sig)
	}
	return m
}

// Disable implements Masker.Disable.
func (m *SignalMasker) Disable() State {
	runtime.LockOSThread()
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &m.set, &old); err != nil {
		runtime.UnlockOSThread()
		panic(fmt.Sprintf("pthread_sigmask(SIG_BLOCK) failed: %v", err))
	}
	return State(old.Val[0])
}

// Restore implements Masker.Restore.
func (m *SignalMasker) Restore(s State) {
	var set unix.Sigset_t
	set.Val[0] = uint64(s)
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &set, nil); err != nil {
		panic(fmt.Sprintf("pthread_sigmask(SIG_SETMASK, %#x) failed: %v", uint64(s), err))
	}
	runtime.UnlockOSThread()
}

// Blocked returns true if sig is blocked on the calling thread.
//
// The answer is only meaningful to a goroutine wired to its thread, for
// example while it holds a Token.
func Blocked(sig unix.Signal) (bool, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var cur unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &cur); err != nil {
		return false, fmt.Errorf("reading signal mask: %w", err)
	}
	return cur.Val[0]&signalBit(sig) != 0, nil
}

var platform = NewSignalMasker()

// Platform returns the process-wide default Masker. On Linux it blocks
// DefaultSignals on the calling thread.
func Platform() Masker {
	return platform
}
