// Package bootstrap drives a host from first boot to a running app with
// scheduled backups.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/compose"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

type Provisioner interface {
	Run(ctx context.Context) error
}

type Restorer interface {
	Restore(ctx context.Context) (types.RestoreResult, error)
}

type Launcher interface {
	Up(ctx context.Context) ([]compose.ContainerState, error)
}

// Steps are the boot actions in the order they run. A nil Provision or
// InstallSchedule is skipped; the rest are required.
type Steps struct {
	Provision       Provisioner
	FetchBundle     func(ctx context.Context) error
	Restore         Restorer
	Launch          Launcher
	InstallSchedule func(ctx context.Context) error
}

// Result is where the boot sequence stopped. Phase is the last phase
// entered; Err is set when the sequence did not complete.
type Result struct {
	Phase      types.Phase
	Restore    types.RestoreResult
	Containers []compose.ContainerState
	Err        error
}

// Run executes the boot sequence. Every step failure is fatal: an empty
// backup bucket is a fresh start, not a failure, but a bucket that cannot
// be read or an archive that cannot be restored stops the boot before the
// app starts on empty data.
func Run(ctx context.Context, steps Steps, log logrus.FieldLogger) (res Result) {
	enter := func(p types.Phase) {
		res.Phase = p
		log.WithField("phase", p).Info("entering phase")
	}
	fail := func(err error) Result {
		res.Err = fmt.Errorf("%s: %w", res.Phase, err)
		log.WithField("phase", res.Phase).WithError(err).Error("boot failed")
		return res
	}

	enter(types.PhaseProvisioning)
	if steps.Provision != nil {
		if err := steps.Provision.Run(ctx); err != nil {
			return fail(err)
		}
	} else {
		log.Info("provisioning skipped")
	}
	if err := steps.FetchBundle(ctx); err != nil {
		return fail(err)
	}

	enter(types.PhaseConfigFetched)
	restored, err := steps.Restore.Restore(ctx)
	if err != nil {
		return fail(err)
	}
	res.Restore = restored
	if restored.Outcome == types.OutcomeFresh {
		enter(types.PhaseFresh)
		log.Warn("no backup found, starting with an empty data directory")
	} else {
		enter(types.PhaseRestored)
		log.WithField("key", restored.Key).Info("data restored")
	}

	containers, err := steps.Launch.Up(ctx)
	if err != nil {
		return fail(err)
	}
	res.Containers = containers
	enter(types.PhaseRunning)

	if steps.InstallSchedule != nil {
		if err := steps.InstallSchedule(ctx); err != nil {
			return fail(fmt.Errorf("installing backup schedule: %w", err))
		}
	}
	log.Info("boot complete")
	return res
}
