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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/irqmutex/irqstress/config"
	"gvisor.dev/irqmutex/pkg/atomicbitops"
	"gvisor.dev/irqmutex/pkg/irq"
	"gvisor.dev/irqmutex/pkg/irqmutex"
	"gvisor.dev/irqmutex/pkg/log"
	"gvisor.dev/irqmutex/pkg/spinlock"
	"gvisor.dev/irqmutex/pkg/tmutex"
)

// stressLine is the interrupt line used by the stress command.
const stressLine irq.Line = 1

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers        int
	duration       time.Duration
	lock           string
	interruptEvery int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "contend for an interrupt-masking mutex from many threads while raising interrupts"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs workers that increment a counter under an
interrupt-masking mutex and raise software interrupts whose handler also
increments it, then checks that no update was lost.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 0, "number of workers. Overrides stress.workers from the config.")
	f.DurationVar(&s.duration, "duration", 0, "how long to run. Overrides stress.duration from the config.")
	f.StringVar(&s.lock, "lock", "", "inner lock: spin or tmutex. Overrides stress.lock from the config.")
	f.IntVar(&s.interruptEvery, "interrupt-every", 0, "raise an interrupt every N operations, 0 disables. Overrides stress.interrupt_every from the config.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "workers":
			conf.Stress.Workers = s.workers
		case "duration":
			conf.Stress.Duration = s.duration
		case "lock":
			conf.Stress.Lock = s.lock
		case "interrupt-every":
			conf.Stress.InterruptEvery = s.interruptEvery
		}
	})
	if err := conf.Validate(); err != nil {
		return Errorf("%v", err)
	}

	res, err := runStress(ctx, conf.Stress)
	if err != nil {
		return Errorf("stress failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "lock=%s workers=%d ops=%d interrupts=%d counter=%d\n",
		conf.Stress.Lock, conf.Stress.Workers, res.Ops, res.Raised, res.Counter)
	return subcommands.ExitSuccess
}

// stressResult summarizes a stress run.
type stressResult struct {
	// Ops is the number of increments made by workers.
	Ops uint64

	// Raised is the number of interrupts raised.
	Raised uint64

	// Handled is the number of interrupts serviced.
	Handled uint64

	// Counter is the final value of the protected counter.
	Counter uint64
}

func runStress(ctx context.Context, s config.Stress) (stressResult, error) {
	switch s.Lock {
	case config.LockSpin:
		return stress[spinlock.Lock](ctx, s)
	case config.LockTMutex:
		return stress[tmutex.Mutex](ctx, s)
	default:
		return stressResult{}, fmt.Errorf("unknown lock %q", s.Lock)
	}
}

func stress[L any, P irqmutex.LockerPtr[L]](ctx context.Context, s config.Stress) (stressResult, error) {
	c := irq.NewController()
	x := irqmutex.NewMutex[L, P](c, uint64(0))

	var ops, raised, handled atomicbitops.Uint64
	if err := c.Register(stressLine, func(irq.Line) {
		x.Do(func(v *uint64) { *v++ })
		handled.Add(1)
	}); err != nil {
		return stressResult{}, fmt.Errorf("registering handler: %w", err)
	}
	defer c.Unregister(stressLine)

	ctx, cancel := context.WithTimeout(ctx, s.Duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Workers; i++ {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			var n, r uint64
			defer func() {
				ops.Add(n)
				raised.Add(r)
			}()
			for ctx.Err() == nil {
				gd := x.Lock()
				*gd.Value()++
				n++
				if s.InterruptEvery > 0 && n%uint64(s.InterruptEvery) == 0 {
					if err := c.Raise(stressLine); err != nil {
						gd.Unlock()
						return fmt.Errorf("worker %d: %w", i, err)
					}
					r++
				}
				gd.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stressResult{}, err
	}

	res := stressResult{
		Ops:     ops.Load(),
		Raised:  raised.Load(),
		Handled: handled.Load(),
	}
	x.Do(func(v *uint64) { res.Counter = *v })
	log.Debugf("Stress finished: %+v, %d spurious interrupts", res, c.Spurious())

	if res.Handled != res.Raised {
		return res, fmt.Errorf("%d interrupts raised but %d handled", res.Raised, res.Handled)
	}
	if want := res.Ops + res.Handled; res.Counter != want {
		return res, fmt.Errorf("counter is %d, want %d: updates were lost", res.Counter, want)
	}
	return res, nil
}
