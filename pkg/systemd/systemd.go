// Package systemd enables and starts units over the systemd D-Bus API and
// writes unit files.
package systemd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/sirupsen/logrus"
)

// runtimeDir exists only when systemd is PID 1.
const runtimeDir = "/run/systemd/system"

// Manager controls units.
type Manager interface {
	// Reload makes systemd re-read unit files (daemon-reload).
	Reload(ctx context.Context) error
	// EnableAndStart enables the unit for boot and starts it now.
	EnableAndStart(ctx context.Context, name string) error
}

// DBus is a Manager talking to the system bus.
type DBus struct {
	log logrus.FieldLogger
}

func NewDBus(log logrus.FieldLogger) *DBus {
	return &DBus{log: log}
}

// Available reports whether this process can manage units: it must be root
// on a host booted with systemd.
func Available() bool {
	if os.Geteuid() != 0 {
		return false
	}
	info, err := os.Stat(runtimeDir)
	return err == nil && info.IsDir()
}

func (d *DBus) connect(ctx context.Context) (*sddbus.Conn, error) {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	return conn, nil
}

func (d *DBus) Reload(ctx context.Context) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

func (d *DBus) EnableAndStart(ctx context.Context, name string) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	d.log.WithField("unit", name).Debug("enabling unit")
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{name}, false, true); err != nil {
		return fmt.Errorf("enabling %s: %w", name, err)
	}

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("starting %s: job finished with %q", name, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.WithField("unit", name).Info("unit enabled and started")
	return nil
}

// WriteUnit serializes options into dir/name, replacing any existing file.
func WriteUnit(dir, name string, options []*unit.UnitOption) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating unit dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("creating unit file: %w", err)
	}
	if _, err := io.Copy(f, unit.Serialize(options)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("writing unit file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Chmod(f.Name(), 0644); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), filepath.Join(dir, name))
}
