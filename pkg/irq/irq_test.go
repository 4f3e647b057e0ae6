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

package irq

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeMasker struct {
	masked   bool
	restores []State
}

func (m *fakeMasker) Disable() State {
	prev := State(0)
	if m.masked {
		prev = 1
	}
	m.masked = true
	return prev
}

func (m *fakeMasker) Restore(s State) {
	m.restores = append(m.restores, s)
	m.masked = s != 0
}

func TestTokenRestoresCapturedState(t *testing.T) {
	m := &fakeMasker{}
	a := Disable(m)
	b := Disable(m)
	if a.State() != 0 || b.State() != 1 {
		t.Fatalf("captured states = %d, %d; want 0, 1", a.State(), b.State())
	}
	b.Restore()
	if !m.masked {
		t.Errorf("inner token unmasked")
	}
	a.Restore()
	if m.masked {
		t.Errorf("outer token left interrupts masked")
	}
	if diff := cmp.Diff([]State{1, 0}, m.restores); diff != "" {
		t.Errorf("restored states mismatch (-want +got):\n%s", diff)
	}
}

func TestNop(t *testing.T) {
	tok := Disable(Nop{})
	if tok.State() != 0 {
		t.Errorf("Nop captured state %d", tok.State())
	}
	tok.Restore()
}
