// Package provision installs the container runtime and the compose helper on
// a freshly launched host.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	utilexec "k8s.io/utils/exec"

	"github.com/andres-nav/actual-budget-agent/pkg/systemd"
)

// Options describes what to install.
type Options struct {
	PackageManager string
	Packages       []string
	// Service is the container runtime unit, e.g. docker.service.
	Service string
	// ComposeURL may contain {version}, {os} and {arch} placeholders, filled
	// the way `uname -s` and `uname -m` would.
	ComposeURL     string
	ComposeVersion string
	ComposePath    string
	// User is added to the docker group.
	User       string
	Retries    int
	RetryDelay time.Duration
}

// Provisioner runs the install steps in order. Every failure is fatal;
// package-manager commands and the helper download are retried first.
type Provisioner struct {
	exec  utilexec.Interface
	units systemd.Manager
	http  *retryablehttp.Client
	opts  Options
	log   logrus.FieldLogger

	goos, goarch string
}

func New(execer utilexec.Interface, units systemd.Manager, opts Options, log logrus.FieldLogger) *Provisioner {
	hc := retryablehttp.NewClient()
	hc.RetryMax = opts.Retries
	hc.RetryWaitMin = opts.RetryDelay
	hc.Logger = debugLogger{log}

	return &Provisioner{
		exec:   execer,
		units:  units,
		http:   hc,
		opts:   opts,
		log:    log,
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}
}

type step struct {
	name string
	run  func(context.Context) error
}

// Run executes every step and stops at the first failure.
func (p *Provisioner) Run(ctx context.Context) error {
	steps := []step{
		{"update packages", p.updatePackages},
		{"install packages", p.installPackages},
		{"enable container runtime", p.enableRuntime},
		{"install compose helper", p.installCompose},
		{"add user to docker group", p.addUserToGroup},
	}

	for _, s := range steps {
		p.log.WithField("step", s.name).Info("provisioning")
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (p *Provisioner) updatePackages(ctx context.Context) error {
	return p.retrying(ctx, func() error {
		return p.command(ctx, p.opts.PackageManager, "update", "-y")
	})
}

func (p *Provisioner) installPackages(ctx context.Context) error {
	if len(p.opts.Packages) == 0 {
		return nil
	}
	args := append([]string{"install", "-y"}, p.opts.Packages...)
	return p.retrying(ctx, func() error {
		return p.command(ctx, p.opts.PackageManager, args...)
	})
}

func (p *Provisioner) enableRuntime(ctx context.Context) error {
	if p.opts.Service == "" {
		return nil
	}
	return p.units.EnableAndStart(ctx, p.opts.Service)
}

func (p *Provisioner) addUserToGroup(ctx context.Context) error {
	if p.opts.User == "" {
		return nil
	}
	return p.command(ctx, "usermod", "-aG", "docker", p.opts.User)
}

// installCompose downloads the helper binary unless an executable is already
// in place.
func (p *Provisioner) installCompose(ctx context.Context) error {
	if p.opts.ComposePath == "" || p.opts.ComposeURL == "" {
		return nil
	}
	if info, err := os.Stat(p.opts.ComposePath); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0 {
		p.log.WithField("path", p.opts.ComposePath).Info("compose helper already installed")
		return nil
	}

	url := p.composeURL()
	p.log.WithField("url", url).Debug("downloading compose helper")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	dir := filepath.Dir(p.opts.ComposePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".docker-compose-*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0755)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p.opts.ComposePath)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("installing %s: %w", p.opts.ComposePath, err)
	}
	return nil
}

func (p *Provisioner) composeURL() string {
	return strings.NewReplacer(
		"{version}", p.opts.ComposeVersion,
		"{os}", unameS(p.goos),
		"{arch}", unameM(p.goarch),
	).Replace(p.opts.ComposeURL)
}

func unameS(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	}
	return goos
}

func unameM(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	}
	return goarch
}

// retrying runs fn with exponential backoff, Retries extra attempts at most.
// Context cancellation is not retried.
func (p *Provisioner) retrying(ctx context.Context, fn func() error) error {
	backoff := wait.Backoff{
		Steps:    p.opts.Retries + 1,
		Duration: p.opts.RetryDelay,
		Factor:   2,
		Jitter:   0.1,
	}
	attempt := 0
	return retry.OnError(backoff, func(err error) bool {
		return ctx.Err() == nil && !errors.Is(err, context.Canceled)
	}, func() error {
		attempt++
		err := fn()
		if err != nil && attempt <= p.opts.Retries {
			p.log.WithError(err).Warnf("attempt %d failed, retrying", attempt)
		}
		return err
	})
}

// command runs name with args and folds its output into the error.
func (p *Provisioner) command(ctx context.Context, name string, args ...string) error {
	p.log.Debugf("running %s %s", name, strings.Join(args, " "))
	out, err := p.exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// debugLogger routes retryablehttp's Printf output to debug level.
type debugLogger struct {
	log logrus.FieldLogger
}

func (l debugLogger) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
