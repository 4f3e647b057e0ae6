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
	"os/signal"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/irqmutex/irqstress/config"
	"gvisor.dev/irqmutex/pkg/irq"
	"gvisor.dev/irqmutex/pkg/irqmutex"
	"gvisor.dev/irqmutex/pkg/log"
	"gvisor.dev/irqmutex/pkg/spinlock"
)

// deliveryTimeout bounds how long a signal may take to arrive once it is
// unblocked.
const deliveryTimeout = 5 * time.Second

// Signals implements subcommands.Command for the "signals" command.
type Signals struct {
	rounds int
	hold   time.Duration
}

// Name implements subcommands.Command.Name.
func (*Signals) Name() string {
	return "signals"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Signals) Synopsis() string {
	return "check that signals are deferred while a signal-masking mutex is held"
}

// Usage implements subcommands.Command.Usage.
func (*Signals) Usage() string {
	return `signals [flags] - holds a mutex that blocks SIGUSR1, sends SIGUSR1 to the
holding thread, and checks that it is only delivered after the mutex is
released.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Signals) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.rounds, "rounds", 0, "number of rounds. Overrides signals.rounds from the config.")
	f.DurationVar(&s.hold, "hold", 0, "how long to hold the mutex after sending the signal. Overrides signals.hold from the config.")
}

// Execute implements subcommands.Command.Execute.
func (s *Signals) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "rounds":
			conf.Signals.Rounds = s.rounds
		case "hold":
			conf.Signals.Hold = s.hold
		}
	})
	if err := conf.Validate(); err != nil {
		return Errorf("%v", err)
	}

	for i := 0; i < conf.Signals.Rounds; i++ {
		if err := signalRound(conf.Signals.Hold); err != nil {
			return Errorf("round %d: %v", i, err)
		}
		log.Debugf("Round %d: SIGUSR1 deferred until unlock", i)
	}
	fmt.Fprintf(os.Stdout, "%d rounds: SIGUSR1 deferred until unlock\n", conf.Signals.Rounds)
	return subcommands.ExitSuccess
}

// signalRound locks a mutex masking SIGUSR1, sends SIGUSR1 to the current
// thread, holds the mutex for hold, and checks that the signal arrives only
// after unlock.
func signalRound(hold time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	blocked, err := irq.Blocked(unix.SIGUSR1)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("SIGUSR1 is already blocked on this thread")
	}

	x := irqmutex.NewMutex[spinlock.Lock](irq.NewSignalMasker(unix.SIGUSR1), struct{}{})
	g := x.Lock()
	if err := unix.Tgkill(unix.Getpid(), unix.Gettid(), unix.SIGUSR1); err != nil {
		g.Unlock()
		return fmt.Errorf("tgkill: %w", err)
	}
	select {
	case <-sigs:
		g.Unlock()
		return fmt.Errorf("SIGUSR1 delivered while the mutex was held")
	case <-time.After(hold):
	}
	g.Unlock()

	select {
	case <-sigs:
		return nil
	case <-time.After(deliveryTimeout):
		return fmt.Errorf("SIGUSR1 not delivered within %v of unlock", deliveryTimeout)
	}
}
