package types

import "time"

// ObjectInfo describes an object in a storage bucket.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BackupResult holds the outcome of a single scheduled backup run.
type BackupResult struct {
	Key         string
	ArchivePath string
	Size        int64
	Started     time.Time
	Duration    time.Duration
	Err         error
}

// RestoreOutcome says what restore-on-boot ended up doing.
type RestoreOutcome string

const (
	// OutcomeRestored means the latest archive was extracted into the data dir.
	OutcomeRestored RestoreOutcome = "restored"
	// OutcomeFresh means the backup bucket held no archive; the data dir starts empty.
	OutcomeFresh RestoreOutcome = "fresh"
)

// RestoreResult holds the outcome of restore-on-boot.
type RestoreResult struct {
	Outcome RestoreOutcome
	Key     string
	Size    int64
}

// Phase is a step of the per-boot state machine.
type Phase string

const (
	PhaseProvisioning  Phase = "Provisioning"
	PhaseConfigFetched Phase = "ConfigFetched"
	PhaseRestored      Phase = "Restored"
	PhaseFresh         Phase = "Fresh"
	PhaseRunning       Phase = "Running"
)

// ContainerInfo describes an application container that writes to the data
// directory.
type ContainerInfo struct {
	ID          string
	Name        string
	Service     string
	MountSource string
}
