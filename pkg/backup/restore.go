package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/archive"
	"github.com/andres-nav/actual-budget-agent/pkg/storage"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// ErrRestoreFailed wraps every restore failure. "No backup exists" is not a
// failure and is reported as types.OutcomeFresh instead.
var ErrRestoreFailed = errors.New("restore failed")

// ErrDataInUse is returned when the application still has the data directory
// mounted. Swapping it would leave the application on the old copy.
var ErrDataInUse = errors.New("data directory in use")

// Restorer brings the latest archive back into the data directory.
type Restorer struct {
	store storage.Store
	opts  Options
	log   logrus.FieldLogger
}

func NewRestorer(store storage.Store, opts Options, log logrus.FieldLogger) *Restorer {
	opts.setDefaults()
	return &Restorer{store: store, opts: opts, log: log}
}

// Latest returns the key of the newest archive, or "" when there is none.
func (r *Restorer) Latest(ctx context.Context) (string, error) {
	objects, err := r.store.List(ctx, r.opts.Prefix)
	if err != nil {
		return "", fmt.Errorf("%w: listing backups: %w", ErrRestoreFailed, err)
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	latest, ok := SelectLatest(r.opts.Prefix, keys)
	if !ok {
		r.log.Debugf("No archive among %d object(s) matches prefix %q", len(objects), r.opts.Prefix)
		return "", nil
	}
	return latest, nil
}

// Restore selects the latest archive and extracts it into the data
// directory. With an empty bucket the data directory is created empty.
func (r *Restorer) Restore(ctx context.Context) (types.RestoreResult, error) {
	latest, err := r.Latest(ctx)
	if err != nil {
		return types.RestoreResult{}, err
	}
	if latest == "" {
		r.log.Info("No backup files found, starting with a fresh data directory")
		if err := os.MkdirAll(r.opts.DataDir, 0755); err != nil {
			return types.RestoreResult{}, fmt.Errorf("creating data dir: %w", err)
		}
		return types.RestoreResult{Outcome: types.OutcomeFresh}, nil
	}
	return r.RestoreKey(ctx, latest)
}

// RestoreKey downloads and extracts a specific archive. Extraction happens in
// a staging directory; the data directory is replaced only once it succeeds.
// A replaced data directory is kept at "<data dir>.previous".
func (r *Restorer) RestoreKey(ctx context.Context, key string) (types.RestoreResult, error) {
	if err := r.checkUnused(ctx); err != nil {
		return types.RestoreResult{}, err
	}
	r.log.Infof("Latest backup file found: %s, downloading...", key)

	if err := os.MkdirAll(r.opts.WorkDir, 0755); err != nil {
		return types.RestoreResult{}, fmt.Errorf("%w: creating work dir: %w", ErrRestoreFailed, err)
	}
	archivePath := filepath.Join(r.opts.WorkDir, filepath.Base(key))
	if err := r.store.Download(ctx, key, archivePath); err != nil {
		return types.RestoreResult{}, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	defer os.Remove(archivePath)

	info, err := os.Stat(archivePath)
	if err != nil {
		return types.RestoreResult{}, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}

	parent := filepath.Dir(filepath.Clean(r.opts.DataDir))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return types.RestoreResult{}, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(r.opts.DataDir)+".restore-*")
	if err != nil {
		return types.RestoreResult{}, fmt.Errorf("%w: creating staging dir: %w", ErrRestoreFailed, err)
	}

	if err := os.Chmod(staging, 0755); err != nil {
		os.RemoveAll(staging)
		return types.RestoreResult{}, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	if err := archive.Extract(archivePath, staging); err != nil {
		os.RemoveAll(staging)
		return types.RestoreResult{}, fmt.Errorf("%w: extracting %s: %w", ErrRestoreFailed, key, err)
	}

	if err := r.swapIn(staging); err != nil {
		os.RemoveAll(staging)
		return types.RestoreResult{}, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}

	r.log.Infof("Restored %s into %s", key, r.opts.DataDir)
	return types.RestoreResult{Outcome: types.OutcomeRestored, Key: key, Size: info.Size()}, nil
}

func (r *Restorer) checkUnused(ctx context.Context) error {
	if r.opts.InUse == nil {
		return nil
	}
	users, err := r.opts.InUse.InUse(ctx)
	if err != nil {
		return fmt.Errorf("%w: checking data dir users: %w", ErrRestoreFailed, err)
	}
	if len(users) > 0 {
		return fmt.Errorf("%w: %w: %s is mounted by %s, stop the application first",
			ErrRestoreFailed, ErrDataInUse, r.opts.DataDir, strings.Join(users, ", "))
	}
	return nil
}

func (r *Restorer) swapIn(staging string) error {
	dataDir := filepath.Clean(r.opts.DataDir)
	previous := dataDir + ".previous"

	if _, err := os.Lstat(dataDir); err == nil {
		if err := os.RemoveAll(previous); err != nil {
			return fmt.Errorf("removing %s: %w", previous, err)
		}
		if err := os.Rename(dataDir, previous); err != nil {
			return fmt.Errorf("moving aside %s: %w", dataDir, err)
		}
		r.log.Debugf("Moved existing data dir to %s", previous)
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(staging, dataDir); err != nil {
		return fmt.Errorf("moving restored data into %s: %w", dataDir, err)
	}
	return nil
}
