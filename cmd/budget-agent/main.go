package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	utilexec "k8s.io/utils/exec"

	"github.com/andres-nav/actual-budget-agent/pkg/backup"
	"github.com/andres-nav/actual-budget-agent/pkg/bootstrap"
	"github.com/andres-nav/actual-budget-agent/pkg/compose"
	"github.com/andres-nav/actual-budget-agent/pkg/config"
	"github.com/andres-nav/actual-budget-agent/pkg/discovery"
	"github.com/andres-nav/actual-budget-agent/pkg/logging"
	"github.com/andres-nav/actual-budget-agent/pkg/pauser"
	"github.com/andres-nav/actual-budget-agent/pkg/provision"
	"github.com/andres-nav/actual-budget-agent/pkg/schedule"
	"github.com/andres-nav/actual-budget-agent/pkg/systemd"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

var subcommands = []string{"boot", "backup", "restore", "list", "schedule", "install-schedule"}

type options struct {
	configPath string
	envFile    string
	verbose    bool
	dryRun     bool
}

func main() {
	var opts options
	flag.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to the agent config file")
	flag.StringVar(&opts.envFile, "env-file", "", "Dotenv file merged into the environment (e.g. DOMAIN_NAME)")
	flag.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Show what would be done without doing it")
	flag.Usage = usage
	flag.Parse()

	subcommand, args, err := parseSubcommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	log := logging.New("main")

	// Without an explicit --config the file is optional so that a host can
	// boot from BUDGET_AGENT_* variables alone.
	cfg, err := config.Load(opts.configPath, opts.envFile, !flag.CommandLine.Changed("config"))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := configureLogging(cfg, opts.verbose); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &agent{cfg: cfg, opts: opts, out: os.Stdout, exec: utilexec.New()}
	if err := a.run(ctx, subcommand, args); err != nil {
		log.Fatalf("%s: %v", subcommand, err)
	}
}

func configureLogging(cfg *config.Config, verbose bool) error {
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	for _, set := range []logging.Setter{logging.Format(cfg.Log.Format), logging.Level(level)} {
		if err := logging.Set(set); err != nil {
			return fmt.Errorf("configuring logging: %w", err)
		}
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\nCommands:\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "  boot               provision, fetch the bundle, restore, start, install the schedule")
	fmt.Fprintln(os.Stderr, "  backup             archive the data directory and upload it once")
	fmt.Fprintln(os.Stderr, "  restore [key]      restore the latest archive, or the one named")
	fmt.Fprintln(os.Stderr, "  list               list archives in the backup bucket")
	fmt.Fprintln(os.Stderr, "  schedule           run backups on the configured schedule until stopped")
	fmt.Fprintln(os.Stderr, "  install-schedule   install and start the scheduler systemd unit")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
}

// parseSubcommand routes on the first positional argument.
func parseSubcommand(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("a command is required")
	}
	for _, s := range subcommands {
		if args[0] == s {
			rest := args[1:]
			if s == "restore" && len(rest) > 1 {
				return "", nil, fmt.Errorf("restore takes at most one archive key")
			}
			if s != "restore" && len(rest) > 0 {
				return "", nil, fmt.Errorf("%s takes no arguments", s)
			}
			return s, rest, nil
		}
	}
	return "", nil, fmt.Errorf("unknown command %q", args[0])
}

type agent struct {
	cfg  *config.Config
	opts options
	out  io.Writer
	exec utilexec.Interface
}

func (a *agent) run(ctx context.Context, subcommand string, args []string) error {
	switch subcommand {
	case "boot":
		return a.boot(ctx)
	case "backup":
		return a.backup(ctx)
	case "restore":
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		return a.restore(ctx, key)
	case "list":
		return a.list(ctx)
	case "schedule":
		return a.schedule(ctx)
	case "install-schedule":
		return a.installSchedule(ctx)
	}
	return fmt.Errorf("unknown command %q", subcommand)
}

func (a *agent) backupOptions() backup.Options {
	return backup.Options{
		DataDir:      a.cfg.Paths.DataDir,
		WorkDir:      a.cfg.Paths.WorkDir,
		Prefix:       a.cfg.Backup.Prefix,
		MinFreeBytes: a.cfg.Backup.MinFreeBytes(),
	}
}

// restoreOptions refuses to replace the data directory while containers of
// the project still mount it.
func (a *agent) restoreOptions(engine discovery.Lister) backup.Options {
	opts := a.backupOptions()
	opts.InUse = discovery.NewDataUsers(engine, a.cfg.App.Project, a.cfg.Paths.DataDir, logging.New("discovery"))
	return opts
}

// backuperOptions adds the pause hook when backup.pause_app is set. The
// returned function releases the Docker client.
func (a *agent) backuperOptions() (backup.Options, func(), error) {
	opts := a.backupOptions()
	if !a.cfg.Backup.PauseApp {
		return opts, func() {}, nil
	}
	engine, err := newEngine()
	if err != nil {
		return opts, nil, err
	}
	opts.Quiescer = pauser.New(engine, a.cfg.App.Project, a.cfg.Paths.DataDir, logging.New("pauser"))
	return opts, func() { engine.Close() }, nil
}

func (a *agent) boot(ctx context.Context) error {
	if a.opts.dryRun {
		a.printBootPlan()
		return nil
	}

	log := logging.New("bootstrap")
	configStore, err := openStore(ctx, a.cfg, a.cfg.Storage.ConfigBucket, log)
	if err != nil {
		return err
	}
	backupStore, err := openStore(ctx, a.cfg, a.cfg.Storage.BackupBucket, log)
	if err != nil {
		return err
	}
	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	var units systemd.Manager
	if systemd.Available() {
		units = systemd.NewDBus(logging.New("systemd"))
	}

	steps := bootstrap.Steps{
		FetchBundle: func(ctx context.Context) error {
			return compose.FetchBundle(ctx, configStore, a.cfg.Bundle.Key, a.cfg.Paths.Bundle)
		},
		Restore: backup.NewRestorer(backupStore, a.restoreOptions(engine), logging.New("restore")),
		Launch:  compose.NewLauncher(a.exec, engine, a.launcherOptions(), logging.New("compose")),
	}
	if !a.cfg.Provision.Skip {
		if units == nil {
			return fmt.Errorf("provisioning needs root on a systemd host; set provision.skip to boot without it")
		}
		steps.Provision = provision.New(a.exec, units, a.provisionOptions(), logging.New("provision"))
	}
	if units != nil {
		installOpts, err := a.installOptions()
		if err != nil {
			return err
		}
		steps.InstallSchedule = func(ctx context.Context) error {
			return schedule.Install(ctx, units, installOpts, logging.New("schedule"))
		}
	} else {
		log.Warn("systemd is not available, the backup schedule will not be installed")
	}

	res := bootstrap.Run(ctx, steps, log)
	if res.Err != nil {
		return res.Err
	}

	fmt.Fprintln(a.out, "\n=== Boot Summary ===")
	fmt.Fprintf(a.out, "  Phase:    %s\n", res.Phase)
	if res.Restore.Key != "" {
		fmt.Fprintf(a.out, "  Restored: %s (%s)\n", res.Restore.Key, humanize.Bytes(uint64(res.Restore.Size)))
	} else {
		fmt.Fprintln(a.out, "  Restored: nothing, fresh data directory")
	}
	for _, c := range res.Containers {
		fmt.Fprintf(a.out, "  %-30s %s\n", c.Name, c.Status)
	}
	return nil
}

func (a *agent) backup(ctx context.Context) error {
	opts := a.backupOptions()
	if a.opts.dryRun {
		fmt.Fprintln(a.out, "=== DRY RUN ===")
		if a.cfg.Backup.PauseApp {
			fmt.Fprintf(a.out, "Would pause %s containers mounting %s\n", a.cfg.App.Project, opts.DataDir)
		}
		fmt.Fprintf(a.out, "Would archive %s\n", opts.DataDir)
		fmt.Fprintf(a.out, "Would upload s3://%s/%s\n", a.cfg.Storage.BackupBucket, backup.FormatName(opts.Prefix, nowFunc()))
		return nil
	}

	log := logging.New("backup")
	store, err := openStore(ctx, a.cfg, a.cfg.Storage.BackupBucket, log)
	if err != nil {
		return err
	}
	opts, release, err := a.backuperOptions()
	if err != nil {
		return err
	}
	defer release()
	if a.cfg.Backup.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Backup.Timeout)
		defer cancel()
	}

	res := backup.NewBackuper(store, opts, log).Run(ctx)
	fmt.Fprintln(a.out, "\n=== Backup Summary ===")
	if res.Err != nil {
		fmt.Fprintf(a.out, "  FAIL  %v\n", res.Err)
		return fmt.Errorf("backup failed")
	}
	fmt.Fprintf(a.out, "  OK    %s (%s in %s)\n", res.Key, humanize.Bytes(uint64(res.Size)), res.Duration.Round(time.Millisecond))
	return nil
}

func (a *agent) restore(ctx context.Context, key string) error {
	log := logging.New("restore")
	store, err := openStore(ctx, a.cfg, a.cfg.Storage.BackupBucket, log)
	if err != nil {
		return err
	}
	if a.opts.dryRun {
		r := backup.NewRestorer(store, a.backupOptions(), log)
		if key == "" {
			if key, err = r.Latest(ctx); err != nil {
				return err
			}
		}
		fmt.Fprintln(a.out, "=== DRY RUN ===")
		if key == "" {
			fmt.Fprintf(a.out, "No archive found, would create an empty %s\n", a.cfg.Paths.DataDir)
			return nil
		}
		fmt.Fprintf(a.out, "Would restore %s -> %s\n", key, a.cfg.Paths.DataDir)
		return nil
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()
	r := backup.NewRestorer(store, a.restoreOptions(engine), log)

	var res types.RestoreResult
	if key == "" {
		res, err = r.Restore(ctx)
	} else {
		res, err = r.RestoreKey(ctx, key)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "\n=== Restore Summary ===")
	if res.Outcome == types.OutcomeFresh {
		fmt.Fprintf(a.out, "  No archive found, %s starts empty\n", a.cfg.Paths.DataDir)
		return nil
	}
	fmt.Fprintf(a.out, "  OK    %s (%s) -> %s\n", res.Key, humanize.Bytes(uint64(res.Size)), a.cfg.Paths.DataDir)
	return nil
}

func (a *agent) list(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg, a.cfg.Storage.BackupBucket, logging.New("list"))
	if err != nil {
		return err
	}
	objects, err := store.List(ctx, a.cfg.Backup.Prefix)
	if err != nil {
		return err
	}

	var keys []string
	sizes := make(map[string]int64)
	for _, obj := range objects {
		if _, ok := backup.ParseName(a.cfg.Backup.Prefix, obj.Key); ok {
			keys = append(keys, obj.Key)
			sizes[obj.Key] = obj.Size
		}
	}
	sort.Strings(keys)
	latest, _ := backup.SelectLatest(a.cfg.Backup.Prefix, keys)

	fmt.Fprintf(a.out, "Found %d archive(s) in %s:\n", len(keys), a.cfg.Storage.BackupBucket)
	for _, k := range keys {
		mark := ""
		if k == latest {
			mark = "  (latest)"
		}
		fmt.Fprintf(a.out, "  - %s %s%s\n", k, humanize.Bytes(uint64(sizes[k])), mark)
	}
	return nil
}

func (a *agent) schedule(ctx context.Context) error {
	log := logging.New("schedule")
	store, err := openStore(ctx, a.cfg, a.cfg.Storage.BackupBucket, log)
	if err != nil {
		return err
	}
	opts, release, err := a.backuperOptions()
	if err != nil {
		return err
	}
	defer release()
	job := backup.NewBackuper(store, opts, logging.New("backup"))
	runner, err := schedule.NewRunner(a.cfg.Backup.Cron, job, a.cfg.Backup.Timeout, log)
	if err != nil {
		return err
	}

	if a.opts.dryRun {
		fmt.Fprintln(a.out, "=== DRY RUN ===")
		fmt.Fprintf(a.out, "Schedule %q, next runs:\n", a.cfg.Backup.Cron)
		t := nowFunc()
		for i := 0; i < 5; i++ {
			t = runner.Next(t)
			fmt.Fprintf(a.out, "  - %s\n", t.Format("Mon 2006-01-02 15:04 MST"))
		}
		return nil
	}
	return runner.Run(ctx)
}

func (a *agent) installSchedule(ctx context.Context) error {
	opts, err := a.installOptions()
	if err != nil {
		return err
	}
	if a.opts.dryRun {
		fmt.Fprintln(a.out, "=== DRY RUN ===")
		fmt.Fprintf(a.out, "Would write %s:\n\n", filepath.Join(opts.UnitDir, opts.UnitName))
		_, err := io.Copy(a.out, unit.Serialize(schedule.UnitOptions(opts)))
		return err
	}
	if !systemd.Available() {
		return fmt.Errorf("installing the schedule needs root on a systemd host")
	}
	return schedule.Install(ctx, systemd.NewDBus(logging.New("systemd")), opts, logging.New("schedule"))
}

func (a *agent) printBootPlan() {
	p := a.provisionOptions()
	fmt.Fprintln(a.out, "=== DRY RUN ===")
	if a.cfg.Provision.Skip {
		fmt.Fprintln(a.out, "\nWould skip provisioning")
	} else {
		fmt.Fprintln(a.out, "\nWould provision:")
		fmt.Fprintf(a.out, "  - %s update -y\n", p.PackageManager)
		fmt.Fprintf(a.out, "  - %s install -y %v\n", p.PackageManager, p.Packages)
		fmt.Fprintf(a.out, "  - enable and start %s\n", p.Service)
		fmt.Fprintf(a.out, "  - install compose %s to %s\n", p.ComposeVersion, p.ComposePath)
		fmt.Fprintf(a.out, "  - add %s to the docker group\n", p.User)
	}
	fmt.Fprintf(a.out, "\nWould fetch %s/%s -> %s\n", a.cfg.Storage.ConfigBucket, a.cfg.Bundle.Key, a.cfg.Paths.Bundle)
	fmt.Fprintf(a.out, "Would restore the latest %s archive from %s -> %s\n", a.cfg.Backup.Prefix, a.cfg.Storage.BackupBucket, a.cfg.Paths.DataDir)
	fmt.Fprintf(a.out, "Would run %s -p %s -f %s up -d\n", a.cfg.App.ComposeBin, a.cfg.App.Project, a.cfg.Paths.Bundle)
	fmt.Fprintf(a.out, "Would install %s (backups on %q)\n", a.cfg.Schedule.UnitName, a.cfg.Backup.Cron)
}

func (a *agent) provisionOptions() provision.Options {
	p := a.cfg.Provision
	return provision.Options{
		PackageManager: p.PackageManager,
		Packages:       p.Packages,
		Service:        p.Service,
		ComposeURL:     p.ComposeURL,
		ComposeVersion: p.ComposeVersion,
		ComposePath:    p.ComposePath,
		User:           p.User,
		Retries:        p.Retries,
		RetryDelay:     p.RetryDelay,
	}
}

func (a *agent) launcherOptions() compose.Options {
	app := a.cfg.App
	return compose.Options{
		ComposeBin:   app.ComposeBin,
		Bundle:       a.cfg.Paths.Bundle,
		Project:      app.Project,
		DataDir:      a.cfg.Paths.DataDir,
		DataEnv:      app.DataEnv,
		Env:          app.Env,
		PassEnv:      app.PassEnv,
		ReadyTimeout: app.ReadyTimeout,
	}
}

// installOptions points the unit at this binary and at the absolute config
// path. A host booted without a config file gets the storage settings as
// unit environment instead.
func (a *agent) installOptions() (schedule.InstallOptions, error) {
	bin := a.cfg.Schedule.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return schedule.InstallOptions{}, fmt.Errorf("locating agent binary: %w", err)
		}
		bin = exe
	}
	configPath, err := filepath.Abs(a.opts.configPath)
	if err != nil {
		return schedule.InstallOptions{}, err
	}
	envFile := a.opts.envFile
	if envFile != "" {
		if envFile, err = filepath.Abs(envFile); err != nil {
			return schedule.InstallOptions{}, err
		}
	}

	var env map[string]string
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
		env = storageEnv(a.cfg)
	}
	return schedule.InstallOptions{
		UnitDir:     a.cfg.Schedule.UnitDir,
		UnitName:    a.cfg.Schedule.UnitName,
		Binary:      bin,
		ConfigPath:  configPath,
		EnvFile:     envFile,
		Environment: env,
	}, nil
}
