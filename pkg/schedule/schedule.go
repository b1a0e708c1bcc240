// Package schedule runs the backup job on a cron schedule and installs the
// systemd unit that keeps the scheduler running across reboots.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// DefaultSpec fires every third day of the month at 04:00 local time.
const DefaultSpec = "0 4 */3 * *"

// Job is one backup run. *backup.Backuper satisfies it.
type Job interface {
	Run(ctx context.Context) types.BackupResult
}

type Runner struct {
	spec     string
	schedule cron.Schedule
	job      Job
	timeout  time.Duration
	loc      *time.Location
	log      logrus.FieldLogger
}

// NewRunner parses spec as a standard five-field cron expression.
// A zero timeout lets a run take as long as it needs.
func NewRunner(spec string, job Job, timeout time.Duration, log logrus.FieldLogger) (*Runner, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return &Runner{
		spec:     spec,
		schedule: sched,
		job:      job,
		timeout:  timeout,
		loc:      time.Local,
		log:      log,
	}, nil
}

// Next returns the first fire time after t.
func (r *Runner) Next(t time.Time) time.Time {
	return r.schedule.Next(t.In(r.loc))
}

// Run blocks until ctx is done. A tick that fires while the previous run is
// still going is skipped. Failed runs are logged and the next tick tries
// again.
func (r *Runner) Run(ctx context.Context) error {
	logger := cronLogger{r.log}
	c := cron.New(
		cron.WithLocation(r.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() { r.tick(ctx) }))

	r.log.WithFields(logrus.Fields{
		"schedule": r.spec,
		"next":     r.Next(time.Now()).Format(time.RFC3339),
	}).Info("backup scheduler started")
	c.Start()

	<-ctx.Done()
	r.log.Info("stopping backup scheduler")
	<-c.Stop().Done()
	return nil
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res := r.job.Run(ctx)
	log := r.log.WithField("next", r.Next(time.Now()).Format(time.RFC3339))
	if res.Err != nil {
		log.WithError(res.Err).Error("scheduled backup failed")
		return
	}
	log.WithFields(logrus.Fields{
		"key":  res.Key,
		"size": humanize.Bytes(uint64(res.Size)),
	}).Info("scheduled backup done")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
