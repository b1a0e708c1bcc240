package schedule

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/systemd"
)

type InstallOptions struct {
	UnitDir  string
	UnitName string

	// Binary is the agent executable the unit runs.
	Binary string
	// ConfigPath is passed as --config when set.
	ConfigPath  string
	EnvFile     string
	Environment map[string]string
}

// UnitOptions describes the scheduler service.
func UnitOptions(opts InstallOptions) []*unit.UnitOption {
	exec := []string{opts.Binary}
	if opts.ConfigPath != "" {
		exec = append(exec, "--config", opts.ConfigPath)
	}
	if opts.EnvFile != "" {
		exec = append(exec, "--env-file", opts.EnvFile)
	}
	exec = append(exec, "schedule")

	options := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Budget data backup scheduler"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Unit", "After", "network-online.target docker.service"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", execLine(exec)),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "30"),
	}

	names := make([]string, 0, len(opts.Environment))
	for k := range opts.Environment {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		options = append(options, unit.NewUnitOption("Service", "Environment", strconv.Quote(escapeSpecifiers(k+"="+opts.Environment[k]))))
	}

	return append(options, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))
}

// execLine joins argv for ExecStart. Arguments systemd would split or
// unescape are double-quoted.
func execLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		arg = strings.ReplaceAll(escapeSpecifiers(arg), "$", "$$")
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\;") {
			arg = strconv.Quote(arg)
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}

func escapeSpecifiers(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// Install writes the unit, reloads systemd, then enables and starts it.
func Install(ctx context.Context, units systemd.Manager, opts InstallOptions, log logrus.FieldLogger) error {
	if !filepath.IsAbs(opts.Binary) {
		return fmt.Errorf("agent binary must be an absolute path, got %q", opts.Binary)
	}
	if err := systemd.WriteUnit(opts.UnitDir, opts.UnitName, UnitOptions(opts)); err != nil {
		return fmt.Errorf("writing %s: %w", opts.UnitName, err)
	}
	log.WithField("unit", filepath.Join(opts.UnitDir, opts.UnitName)).Info("scheduler unit written")

	if err := units.Reload(ctx); err != nil {
		return err
	}
	return units.EnableAndStart(ctx, opts.UnitName)
}
