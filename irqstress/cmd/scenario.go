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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/irqmutex/pkg/irq"
	"gvisor.dev/irqmutex/pkg/irqmutex"
	"gvisor.dev/irqmutex/pkg/log"
	"gvisor.dev/irqmutex/pkg/spinlock"
)

// scenarioLine is the interrupt line used by the scenario command.
const scenarioLine irq.Line = 1

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "show an interrupt being deferred until a mutex is released"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario - locks a mutex guarding a sequence, raises an interrupt whose
handler appends to the sequence through the same mutex, and prints the
sequence while the mutex is held and after it is released.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenario) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	held, released, err := runScenario()
	if err != nil {
		return Errorf("scenario failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "while held: %v\n", held)
	fmt.Fprintf(os.Stdout, "after release: %v\n", released)
	return subcommands.ExitSuccess
}

// runScenario returns the protected sequence as seen while the mutex is held
// with an interrupt pending, and after the mutex is released.
func runScenario() (held, released []int, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := irq.NewController()
	x := irqmutex.NewMutex[spinlock.Lock](c, []int{})
	if err := c.Register(scenarioLine, func(line irq.Line) {
		log.Debugf("Interrupt %d appending to sequence", line)
		x.Do(func(v *[]int) {
			*v = append(*v, 1)
		})
	}); err != nil {
		return nil, nil, fmt.Errorf("registering handler: %w", err)
	}
	defer c.Unregister(scenarioLine)

	g := x.Lock()
	if err := c.Raise(scenarioLine); err != nil {
		g.Unlock()
		return nil, nil, fmt.Errorf("raising interrupt: %w", err)
	}
	held = append([]int{}, *g.Value()...)
	pending := c.Pending()
	g.Unlock()

	if len(held) != 0 || pending != 1 {
		return nil, nil, fmt.Errorf("handler ran while the mutex was held: sequence %v, %d pending", held, pending)
	}

	x.Do(func(v *[]int) {
		released = append([]int{}, *v...)
	})
	if len(released) != 1 {
		return held, released, fmt.Errorf("handler did not run after release: sequence %v", released)
	}
	return held, released, nil
}
