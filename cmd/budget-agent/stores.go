package main

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/config"
	"github.com/andres-nav/actual-budget-agent/pkg/storage"
	"github.com/andres-nav/actual-budget-agent/pkg/storage/memory"
	"github.com/andres-nav/actual-budget-agent/pkg/storage/minio"
	"github.com/andres-nav/actual-budget-agent/pkg/storage/s3"
)

var nowFunc = time.Now

// openStore returns a client for bucket using the configured driver.
func openStore(ctx context.Context, cfg *config.Config, bucket string, log logrus.FieldLogger) (storage.Store, error) {
	st := cfg.Storage
	log = log.WithFields(logrus.Fields{"driver": st.Driver, "bucket": bucket})

	switch st.Driver {
	case config.DriverS3:
		c, err := s3.New(ctx, s3.Options{
			Bucket:      bucket,
			Region:      st.Region,
			Profile:     st.Profile,
			Endpoint:    st.Endpoint,
			MaxAttempts: st.MaxAttempts,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.DriverMinio:
		c, err := minio.New(minio.Options{
			Endpoint:        st.Endpoint,
			Region:          st.Region,
			Bucket:          bucket,
			Insecure:        st.Insecure,
			AccessKeyID:     st.AccessKeyID,
			SecretAccessKey: st.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.DriverMemory:
		log.Warn("using the in-memory store, nothing is persisted")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", st.Driver)
}

// storageEnv carries the storage settings into environments that cannot read
// the config file the agent was started with.
func storageEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"BUDGET_AGENT_STORAGE_DRIVER": cfg.Storage.Driver,
		"BUDGET_AGENT_CONFIG_BUCKET":  cfg.Storage.ConfigBucket,
		"BUDGET_AGENT_BACKUP_BUCKET":  cfg.Storage.BackupBucket,
		"BUDGET_AGENT_DATA_DIR":       cfg.Paths.DataDir,
	}
	if cfg.Storage.Region != "" {
		env["BUDGET_AGENT_REGION"] = cfg.Storage.Region
	}
	if cfg.Storage.Endpoint != "" {
		env["BUDGET_AGENT_ENDPOINT"] = cfg.Storage.Endpoint
	}
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}

// newEngine connects to the local Docker daemon using DOCKER_HOST and
// friends, falling back to the default socket.
func newEngine() (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return c, nil
}
