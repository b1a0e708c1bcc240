// Package backup implements the scheduled snapshot of the application data
// directory and the restore-on-boot that brings the latest snapshot back.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/andres-nav/actual-budget-agent/pkg/archive"
	"github.com/andres-nav/actual-budget-agent/pkg/storage"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// maxNameAttempts bounds how many seconds Run waits for an unused key.
const maxNameAttempts = 5

// Options is shared by Backuper and Restorer.
type Options struct {
	// DataDir is the live application data directory.
	DataDir string
	// WorkDir holds transient archives. It must not be inside DataDir.
	WorkDir string
	// Prefix starts every archive name.
	Prefix string
	// MinFreeBytes, if non-zero, is the free space WorkDir must have before
	// an archive is written.
	MinFreeBytes uint64
	// Quiescer, if set, stops writes to DataDir while it is archived.
	Quiescer Quiescer
	// InUse, if set, is asked before DataDir is replaced by a restore.
	InUse InUseChecker
	Clock clock.Clock
}

// InUseChecker names the running processes that have DataDir mounted.
type InUseChecker interface {
	InUse(ctx context.Context) ([]string, error)
}

// Quiescer holds the application still. The returned function lets it
// continue.
type Quiescer interface {
	Quiesce(ctx context.Context) (resume func(context.Context) error, err error)
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Backuper archives the data directory and uploads it.
type Backuper struct {
	store     storage.Store
	opts      Options
	log       logrus.FieldLogger
	freeSpace func(ctx context.Context, path string) (uint64, error)
	lastKey   string
}

func NewBackuper(store storage.Store, opts Options, log logrus.FieldLogger) *Backuper {
	opts.setDefaults()
	return &Backuper{
		store:     store,
		opts:      opts,
		log:       log,
		freeSpace: freeBytes,
	}
}

// Run performs one backup: archive, upload, remove the local copy. The local
// archive is removed whether or not the upload succeeded. Without a Quiescer
// the archive is a snapshot of a live directory.
func (b *Backuper) Run(ctx context.Context) (result types.BackupResult) {
	started := b.opts.Clock.Now()
	result.Started = started
	defer func() { result.Duration = b.opts.Clock.Since(started) }()

	info, err := os.Stat(b.opts.DataDir)
	if err != nil {
		result.Err = fmt.Errorf("data dir %q: %w", b.opts.DataDir, err)
		return result
	}
	if !info.IsDir() {
		result.Err = fmt.Errorf("data dir %q is not a directory", b.opts.DataDir)
		return result
	}

	if err := b.checkFreeSpace(ctx); err != nil {
		result.Err = err
		return result
	}

	key, err := b.nextKey(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	result.Key = key

	archivePath := filepath.Join(b.opts.WorkDir, key)
	result.ArchivePath = archivePath
	defer func() {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			b.log.WithError(err).Warnf("Failed to remove local archive %s", archivePath)
		}
	}()

	b.log.Infof("Backing up %s -> %s", b.opts.DataDir, archivePath)
	size, err := b.createArchive(ctx, archivePath)
	if err != nil {
		result.Err = fmt.Errorf("creating archive: %w", err)
		return result
	}
	result.Size = size

	if err := b.store.Upload(ctx, archivePath, key); err != nil {
		result.Err = fmt.Errorf("uploading archive: %w", err)
		return result
	}
	b.lastKey = key

	b.log.Infof("Uploaded %s (%s)", key, humanize.Bytes(uint64(size)))
	return result
}

// createArchive archives DataDir, holding the application still if a
// Quiescer is configured. The application resumes before any upload starts.
func (b *Backuper) createArchive(ctx context.Context, archivePath string) (int64, error) {
	if b.opts.Quiescer == nil {
		return archive.Create(archivePath, b.opts.DataDir)
	}

	resume, err := b.opts.Quiescer.Quiesce(ctx)
	if err != nil {
		return 0, fmt.Errorf("quiescing application: %w", err)
	}
	size, err := archive.Create(archivePath, b.opts.DataDir)
	if rerr := resume(context.WithoutCancel(ctx)); rerr != nil {
		b.log.WithError(rerr).Error("Failed to resume application after archiving")
		if err == nil {
			err = fmt.Errorf("resuming application: %w", rerr)
		}
	}
	return size, err
}

// nextKey returns a name no prior archive uses. Names have one-second
// resolution, so a collision is resolved by waiting for the next second.
func (b *Backuper) nextKey(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		now := b.opts.Clock.Now()
		key := FormatName(b.opts.Prefix, now)

		taken := key == b.lastKey
		if !taken {
			exists, err := b.store.Exists(ctx, key)
			if err != nil {
				return "", fmt.Errorf("checking %s: %w", key, err)
			}
			taken = exists
		}
		if !taken {
			return key, nil
		}

		b.log.Debugf("Archive name %s already used, waiting for next second", key)
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b.opts.Clock.Sleep(time.Second - now.Sub(now.Truncate(time.Second)))
	}
	return "", fmt.Errorf("no unused archive name after %d attempts", maxNameAttempts)
}

func (b *Backuper) checkFreeSpace(ctx context.Context) error {
	if b.opts.MinFreeBytes == 0 {
		return nil
	}
	free, err := b.freeSpace(ctx, b.opts.WorkDir)
	if err != nil {
		return fmt.Errorf("checking free space in %s: %w", b.opts.WorkDir, err)
	}
	if free < b.opts.MinFreeBytes {
		return fmt.Errorf("only %s free in %s, need %s",
			humanize.Bytes(free), b.opts.WorkDir, humanize.Bytes(b.opts.MinFreeBytes))
	}
	return nil
}

func freeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
