// Package pauser freezes the application containers while the data directory
// is archived.
package pauser

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/andres-nav/actual-budget-agent/pkg/discovery"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// Engine is the part of the Docker Engine API used for pausing.
type Engine interface {
	discovery.Lister
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
}

// Pauser pauses every running project container that mounts the data dir.
type Pauser struct {
	engine  Engine
	disc    *discovery.Discoverer
	project string
	dataDir string
	log     logrus.FieldLogger
}

func New(engine Engine, project, dataDir string, log logrus.FieldLogger) *Pauser {
	return &Pauser{
		engine:  engine,
		disc:    discovery.New(engine, log),
		project: project,
		dataDir: dataDir,
		log:     log,
	}
}

// Quiesce pauses the containers and returns a function that unpauses them.
// If pausing fails part way, the containers already paused are unpaused
// before the error is returned.
func (p *Pauser) Quiesce(ctx context.Context) (func(context.Context) error, error) {
	containers, err := p.disc.Discover(ctx, p.project, p.dataDir)
	if err != nil {
		return nil, fmt.Errorf("discovering containers: %w", err)
	}
	if len(containers) == 0 {
		p.log.Warnf("No running container of %s mounts %s, archiving without pausing", p.project, p.dataDir)
		return func(context.Context) error { return nil }, nil
	}

	var paused []types.ContainerInfo
	for _, c := range containers {
		p.log.Infof("Pausing %s", c.Name)
		if err := p.engine.ContainerPause(ctx, c.ID); err != nil {
			if rerr := p.unpause(context.WithoutCancel(ctx), paused); rerr != nil {
				p.log.WithError(rerr).Error("Failed to unpause containers after a failed pause")
			}
			return nil, fmt.Errorf("pausing %s: %w", c.Name, err)
		}
		paused = append(paused, c)
	}

	return func(ctx context.Context) error {
		return p.unpause(ctx, paused)
	}, nil
}

// unpause tries every container and reports all failures.
func (p *Pauser) unpause(ctx context.Context, containers []types.ContainerInfo) error {
	var errs []error
	for _, c := range containers {
		p.log.Infof("Unpausing %s", c.Name)
		if err := p.engine.ContainerUnpause(ctx, c.ID); err != nil {
			p.log.WithError(err).Errorf("Failed to unpause %s", c.Name)
			errs = append(errs, fmt.Errorf("unpausing %s: %w", c.Name, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}
