package backup

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// BackupCoordinator drives a backup through two-phase commit: Prepare
// freezes a consistency point at the WAL's current LSN, Commit writes a
// snapshot as of that point, and Abort discards a prepared-but-failed
// attempt. Reset then returns a committed or aborted coordinator to idle
// so it can be reused.
type BackupCoordinator struct {
	wal          *WAL
	snapshotPath string
	mu           sync.Mutex
	state        BackupState
	preparedLSN  uint64
}

// BackupState is the coordinator's two-phase-commit state.
type BackupState int

const (
	BackupStateIdle BackupState = iota
	BackupStatePrepared
	BackupStateCommitted
	BackupStateAborted
)

// NewBackupCoordinator creates a coordinator that snapshots wal's
// collection to snapshotPath.
func NewBackupCoordinator(wal *WAL, snapshotPath string) *BackupCoordinator {
	return &BackupCoordinator{wal: wal, snapshotPath: snapshotPath, state: BackupStateIdle}
}

// Prepare flushes the WAL and freezes its current LSN as the backup's
// consistency point.
func (bc *BackupCoordinator) Prepare() (uint64, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.state != BackupStateIdle {
		return 0, fmt.Errorf("backup already in progress (state: %d)", bc.state)
	}
	if err := bc.wal.Flush(); err != nil {
		return 0, fmt.Errorf("flush WAL: %w", err)
	}
	bc.preparedLSN = bc.wal.CurrentLSN()
	bc.state = BackupStatePrepared
	return bc.preparedLSN, nil
}

// Commit writes a snapshot at the prepared LSN via writeFunc, then
// flushes the WAL once more so the snapshot's consistency point is
// itself durable.
func (bc *BackupCoordinator) Commit(writeFunc func(w *SnapshotWriter) error) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.state != BackupStatePrepared {
		return fmt.Errorf("backup not prepared (state: %d)", bc.state)
	}
	if err := CreateSnapshot(bc.snapshotPath, bc.preparedLSN, writeFunc); err != nil {
		bc.state = BackupStateAborted
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := bc.wal.Flush(); err != nil {
		bc.state = BackupStateAborted
		if rmErr := os.Remove(bc.snapshotPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("flush WAL after snapshot: %v (cleanup failed: %v)", err, rmErr)
		}
		return fmt.Errorf("flush WAL after snapshot: %w", err)
	}
	bc.state = BackupStateCommitted
	return nil
}

// Abort discards a prepared backup, leaving the coordinator in the
// aborted state until Reset returns it to idle.
func (bc *BackupCoordinator) Abort() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.state != BackupStatePrepared {
		return fmt.Errorf("backup not prepared (state: %d)", bc.state)
	}
	bc.state = BackupStateAborted
	return nil
}

// Reset returns a committed or aborted coordinator to idle so it can
// drive another backup.
func (bc *BackupCoordinator) Reset() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.state = BackupStateIdle
	bc.preparedLSN = 0
}

// BackupMetadata describes a completed backup's snapshot file.
type BackupMetadata struct {
	LSN       uint64
	Timestamp time.Time
	Path      string
	Size      int64
}

// GetBackupMetadata reports the committed snapshot's LSN, path, and
// on-disk size.
func (bc *BackupCoordinator) GetBackupMetadata() (*BackupMetadata, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.state != BackupStateCommitted {
		return nil, fmt.Errorf("backup not committed (state: %d)", bc.state)
	}
	stat, err := os.Stat(bc.snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	return &BackupMetadata{
		LSN:       bc.preparedLSN,
		Timestamp: stat.ModTime(),
		Path:      bc.snapshotPath,
		Size:      stat.Size(),
	}, nil
}
