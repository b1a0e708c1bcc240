package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	utilexec "k8s.io/utils/exec"
)

// projectLabel is set by docker-compose on every container it creates.
const projectLabel = "com.docker.compose.project"

// Engine is the part of the Docker Engine API the launcher needs.
// *client.Client satisfies it.
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

type Options struct {
	// ComposeBin is the docker-compose executable.
	ComposeBin string
	Bundle     string
	Project    string
	DataDir    string
	// DataEnv names the variable the bundle reads the data path from.
	DataEnv string
	// Env is added to the compose environment.
	Env map[string]string
	// PassEnv lists variables the bundle expects from the agent's own
	// environment. Missing ones are reported, not fatal.
	PassEnv      []string
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// ContainerState is one container of the project as reported after start.
type ContainerState struct {
	Name   string
	Image  string
	State  string
	Status string
}

type Launcher struct {
	exec    utilexec.Interface
	engine  Engine
	opts    Options
	log     logrus.FieldLogger
	environ func() []string
}

func NewLauncher(execer utilexec.Interface, engine Engine, opts Options, log logrus.FieldLogger) *Launcher {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	return &Launcher{
		exec:    execer,
		engine:  engine,
		opts:    opts,
		log:     log,
		environ: os.Environ,
	}
}

// Up waits for the engine, starts the project detached and reports the
// resulting container states once.
func (l *Launcher) Up(ctx context.Context) ([]ContainerState, error) {
	if err := l.WaitReady(ctx); err != nil {
		return nil, err
	}

	args := []string{"-p", l.opts.Project, "-f", l.opts.Bundle, "up", "-d"}
	cmd := l.exec.CommandContext(ctx, l.opts.ComposeBin, args...)
	cmd.SetDir(filepath.Dir(l.opts.Bundle))
	cmd.SetEnv(l.env())

	l.log.WithFields(logrus.Fields{
		"project": l.opts.Project,
		"bundle":  l.opts.Bundle,
	}).Info("starting application")
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", l.opts.ComposeBin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	states, err := l.Status(ctx)
	if err != nil {
		l.log.WithError(err).Warn("could not list application containers")
		return nil, nil
	}
	for _, s := range states {
		l.log.WithFields(logrus.Fields{
			"container": s.Name,
			"image":     s.Image,
			"state":     s.State,
		}).Info(s.Status)
	}
	if len(states) == 0 {
		l.log.Warn("no containers found for project")
	}
	return states, nil
}

// WaitReady polls the engine until it answers or ReadyTimeout passes.
func (l *Launcher) WaitReady(ctx context.Context) error {
	err := wait.PollUntilContextTimeout(ctx, l.opts.PollInterval, l.opts.ReadyTimeout, true, func(ctx context.Context) (bool, error) {
		if _, err := l.engine.Ping(ctx); err != nil {
			l.log.WithError(err).Debug("container engine not ready")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("container engine not ready after %s: %w", l.opts.ReadyTimeout, err)
	}
	return nil
}

// Status lists every container of the project, running or not.
func (l *Launcher) Status(ctx context.Context) ([]ContainerState, error) {
	list, err := l.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", projectLabel+"="+l.opts.Project)),
	})
	if err != nil {
		return nil, err
	}

	states := make([]ContainerState, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		states = append(states, ContainerState{
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Status: c.Status,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states, nil
}

// env is the agent's environment with Env and the data path laid over it.
// The data path always wins.
func (l *Launcher) env() []string {
	base := l.environ()
	for _, name := range l.opts.PassEnv {
		if _, ok := l.opts.Env[name]; ok {
			continue
		}
		if !hasVar(base, name) {
			l.log.WithField("var", name).Warn("variable expected by the bundle is not set")
		}
	}

	overrides := make(map[string]string, len(l.opts.Env)+1)
	for k, v := range l.opts.Env {
		overrides[k] = v
	}
	if l.opts.DataEnv != "" {
		overrides[l.opts.DataEnv] = l.opts.DataDir
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func hasVar(env []string, name string) bool {
	for _, kv := range env {
		if k, _, _ := strings.Cut(kv, "="); k == name {
			return true
		}
	}
	return false
}
