// Package config loads the agent configuration from YAML, an optional dotenv
// file and BUDGET_AGENT_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// DefaultPath is where the agent looks for its config file.
const DefaultPath = "/etc/budget-agent/config.yaml"

// Storage drivers.
const (
	DriverS3     = "s3"
	DriverMinio  = "minio"
	DriverMemory = "memory"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Paths     PathsConfig     `yaml:"paths"`
	Storage   StorageConfig   `yaml:"storage"`
	Bundle    BundleConfig    `yaml:"bundle"`
	Backup    BackupConfig    `yaml:"backup"`
	Provision ProvisionConfig `yaml:"provision"`
	App       AppConfig       `yaml:"app"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PathsConfig struct {
	DataDir string `yaml:"data_dir"`
	WorkDir string `yaml:"work_dir"`
	Bundle  string `yaml:"bundle"`
}

type StorageConfig struct {
	Driver          string `yaml:"driver"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Profile         string `yaml:"profile"`
	Insecure        bool   `yaml:"insecure"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxAttempts     int    `yaml:"max_attempts"`
	ConfigBucket    string `yaml:"config_bucket"`
	BackupBucket    string `yaml:"backup_bucket"`
}

type BundleConfig struct {
	Key string `yaml:"key"`
}

type BackupConfig struct {
	Prefix  string        `yaml:"prefix"`
	Cron    string        `yaml:"cron"`
	MinFree string        `yaml:"min_free"`
	Timeout time.Duration `yaml:"timeout"`
	// PauseApp pauses the app containers while the archive is written.
	// Off by default: archives are taken from the live directory.
	PauseApp bool `yaml:"pause_app"`

	minFreeB uint64
}

// MinFreeBytes is MinFree parsed; zero disables the check.
func (b *BackupConfig) MinFreeBytes() uint64 {
	return b.minFreeB
}

type ProvisionConfig struct {
	Skip           bool          `yaml:"skip"`
	PackageManager string        `yaml:"package_manager"`
	Packages       []string      `yaml:"packages"`
	Service        string        `yaml:"service"`
	ComposeVersion string        `yaml:"compose_version"`
	ComposeURL     string        `yaml:"compose_url"`
	ComposePath    string        `yaml:"compose_path"`
	User           string        `yaml:"user"`
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

type AppConfig struct {
	Project      string            `yaml:"project"`
	ComposeBin   string            `yaml:"compose_bin"`
	DataEnv      string            `yaml:"data_env"`
	Env          map[string]string `yaml:"env"`
	PassEnv      []string          `yaml:"pass_env"`
	ReadyTimeout time.Duration     `yaml:"ready_timeout"`
}

type ScheduleConfig struct {
	UnitName string `yaml:"unit_name"`
	UnitDir  string `yaml:"unit_dir"`
	Binary   string `yaml:"binary"`
}

// Load reads the YAML file at path. A missing file is not an error when
// allowMissing is set; defaults and environment overrides still apply.
// envFile, when non-empty, is loaded into the process environment first
// without overriding variables that are already set.
func Load(path, envFile string, allowMissing bool) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	cfg := seed()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && allowMissing:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	setDefaults(&cfg)
	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// seed holds the defaults for which zero is a meaningful setting. They are
// filled in before decoding so that an explicit 0 in the file survives.
func seed() Config {
	return Config{
		// Zero timeout lets a backup run as long as it needs.
		Backup: BackupConfig{Timeout: time.Hour},
		// Zero retries fails provisioning on the first error.
		Provision: ProvisionConfig{Retries: 5},
	}
}

func setDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = "/home/ec2-user/budget-data"
	}
	if cfg.Paths.WorkDir == "" {
		cfg.Paths.WorkDir = "/home/ec2-user"
	}
	if cfg.Paths.Bundle == "" {
		cfg.Paths.Bundle = "/home/ec2-user/docker-compose.yml"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverS3
	}
	if cfg.Bundle.Key == "" {
		cfg.Bundle.Key = "docker-compose.yml"
	}
	if cfg.Backup.Prefix == "" {
		cfg.Backup.Prefix = "actual_budget_data"
	}
	if cfg.Backup.Cron == "" {
		cfg.Backup.Cron = "0 4 */3 * *"
	}
	if cfg.Provision.PackageManager == "" {
		cfg.Provision.PackageManager = "yum"
	}
	if cfg.Provision.Packages == nil {
		cfg.Provision.Packages = []string{"docker"}
	}
	if cfg.Provision.Service == "" {
		cfg.Provision.Service = "docker.service"
	}
	if cfg.Provision.ComposeVersion == "" {
		cfg.Provision.ComposeVersion = "1.29.2"
	}
	if cfg.Provision.ComposeURL == "" {
		cfg.Provision.ComposeURL = "https://github.com/docker/compose/releases/download/{version}/docker-compose-{os}-{arch}"
	}
	if cfg.Provision.ComposePath == "" {
		cfg.Provision.ComposePath = "/usr/local/bin/docker-compose"
	}
	if cfg.Provision.User == "" {
		cfg.Provision.User = "ec2-user"
	}
	if cfg.Provision.RetryDelay == 0 {
		cfg.Provision.RetryDelay = 2 * time.Second
	}
	if cfg.App.Project == "" {
		cfg.App.Project = "actual-budget"
	}
	if cfg.App.ComposeBin == "" {
		cfg.App.ComposeBin = cfg.Provision.ComposePath
	}
	if cfg.App.DataEnv == "" {
		cfg.App.DataEnv = "ACTUAL_BUDGET_DATA_PATH"
	}
	if cfg.App.PassEnv == nil {
		cfg.App.PassEnv = []string{"DOMAIN_NAME"}
	}
	if cfg.App.ReadyTimeout == 0 {
		cfg.App.ReadyTimeout = 2 * time.Minute
	}
	if cfg.Schedule.UnitName == "" {
		cfg.Schedule.UnitName = "budget-agent-backup.service"
	}
	if cfg.Schedule.UnitDir == "" {
		cfg.Schedule.UnitDir = "/etc/systemd/system"
	}
}

// applyEnv overlays BUDGET_AGENT_* variables. lookup is os.LookupEnv outside
// tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"BUDGET_AGENT_CONFIG_BUCKET", &cfg.Storage.ConfigBucket},
		{"BUDGET_AGENT_BACKUP_BUCKET", &cfg.Storage.BackupBucket},
		{"BUDGET_AGENT_STORAGE_DRIVER", &cfg.Storage.Driver},
		{"BUDGET_AGENT_REGION", &cfg.Storage.Region},
		{"BUDGET_AGENT_ENDPOINT", &cfg.Storage.Endpoint},
		{"BUDGET_AGENT_DATA_DIR", &cfg.Paths.DataDir},
		{"BUDGET_AGENT_LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.name); ok && v != "" {
			*o.dst = v
		}
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverS3, DriverMinio, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver != DriverMemory {
		if c.Storage.ConfigBucket == "" {
			errs = append(errs, fmt.Errorf("storage.config_bucket is required"))
		}
		if c.Storage.BackupBucket == "" {
			errs = append(errs, fmt.Errorf("storage.backup_bucket is required"))
		}
	}
	if c.Storage.Driver == DriverMinio && c.Storage.Endpoint == "" {
		errs = append(errs, fmt.Errorf("storage.endpoint is required for the minio driver"))
	}

	for name, p := range map[string]string{
		"paths.data_dir": c.Paths.DataDir,
		"paths.work_dir": c.Paths.WorkDir,
		"paths.bundle":   c.Paths.Bundle,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, p))
		}
	}
	data := filepath.Clean(c.Paths.DataDir)
	work := filepath.Clean(c.Paths.WorkDir)
	if work == data || strings.HasPrefix(work, data+string(os.PathSeparator)) {
		errs = append(errs, fmt.Errorf("paths.work_dir must not be inside paths.data_dir"))
	}

	if strings.Contains(c.Backup.Prefix, "/") {
		errs = append(errs, fmt.Errorf("backup.prefix must not contain '/'"))
	}
	if _, err := cron.ParseStandard(c.Backup.Cron); err != nil {
		errs = append(errs, fmt.Errorf("backup.cron: %w", err))
	}
	if c.Backup.MinFree != "" {
		n, err := humanize.ParseBytes(c.Backup.MinFree)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup.min_free: %w", err))
		}
		c.Backup.minFreeB = n
	}
	if c.Provision.Retries < 0 {
		errs = append(errs, fmt.Errorf("provision.retries must not be negative"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Backup.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backup.timeout must not be negative"))
	}

	return utilerrors.NewAggregate(errs)
}
