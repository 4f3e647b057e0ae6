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
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrGaveUp is returned by LockContext when the backoff policy stops before
// the lock could be acquired.
var ErrGaveUp = errors.New("gave up waiting for lock")

// LockContext acquires l by polling TryLock, sleeping between attempts as
// dictated by b. It returns ctx.Err() if ctx is done first and ErrGaveUp if b
// returns backoff.Stop first.
//
// Lock has no timeout; this is how callers bound their wait. Every attempt
// is a complete TryLock, so failed attempts leave the interrupt state as they
// found it, and interrupts are not masked while sleeping.
//
// b is not combined with backoff.WithContext, so a deadline on ctx never
// turns into ErrGaveUp.
func LockContext(ctx context.Context, l Locker, b backoff.BackOff) error {
	b.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.TryLock() {
			return nil
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return ErrGaveUp
		}
		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// LockContext acquires m as the package-level LockContext does and returns its
// Guard.
func (m *Mutex[L, P, T]) LockContext(ctx context.Context, b backoff.BackOff) (*Guard[L, P, T], error) {
	if err := LockContext(ctx, &m.raw, b); err != nil {
		return nil, err
	}
	return &Guard[L, P, T]{m: m}, nil
}
