package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/veloxdb/velox/pkg/logging"
	"github.com/veloxdb/velox/pkg/vector"
)

// KeyBinder is an optional capability a vector.Collection implementation
// may provide alongside the required interface: enumerating and
// restoring the caller-chosen string keys bound to vector ids (see
// pkg/store's "/values" key bindings). Backup falls back to ids only
// when col doesn't implement it.
type KeyBinder interface {
	IterKeys() (<-chan vector.KeyBinding, error)
	BindKey(key string, id vector.VectorID) error
}

// Manager wires the WAL, snapshot coordinator, recovery planner, and
// archiver together into a single point-in-time backup/restore
// operation over a vector.Collection.
//
// dir holds two siblings: dir/data (the WAL segments and snapshot
// files the archiver bundles) and the archive files themselves, which
// live directly under dir rather than under dir/data — an archive must
// never be written into the tree it is archiving, or the growing
// output file would be walked into its own contents.
type Manager struct {
	dir     string
	dataDir string
	wal     *WAL
	coord   *BackupCoordinator
	log     *logging.Logger
}

// NewManager opens (creating if absent) a backup working directory
// containing the WAL segments and snapshot files for a collection.
// dir is distinct from the collection's own storage directory: a
// Manager never touches the live database, only point-in-time copies
// of it.
func NewManager(dir string) (*Manager, error) {
	dataDir := filepath.Join(dir, "data")
	walDir := filepath.Join(dataDir, "wal")
	wal, err := NewWAL(walDir, SyncEveryWrite)
	if err != nil {
		return nil, fmt.Errorf("backup: open WAL: %w", err)
	}
	snapshotDir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create snapshot directory: %w", err)
	}
	snapshotPath := filepath.Join(snapshotDir, GenerateSnapshotName("velox"))
	return &Manager{
		dir:     dir,
		dataDir: dataDir,
		wal:     wal,
		coord:   NewBackupCoordinator(wal, snapshotPath),
		log:     logging.Named("backup.manager"),
	}, nil
}

// LogPut appends a record mutation to the WAL. Callers that want
// crash-consistent incremental backups (rather than a full re-read of
// the collection on every backup) should call this from the same path
// that calls Collection.Put.
func (m *Manager) LogPut(id vector.VectorID, rec vector.Record) (uint64, error) {
	return m.wal.Append(OpPut, id, rec)
}

// LogDelete appends a deletion to the WAL.
func (m *Manager) LogDelete(id vector.VectorID) (uint64, error) {
	return m.wal.Append(OpDelete, id, vector.Record{})
}

// Close releases the WAL file handle.
func (m *Manager) Close() error {
	return m.wal.Close()
}

// Backup takes a full, point-in-time snapshot of col (every live record
// plus the persisted graph bytes and, if col implements KeyBinder, its
// key bindings), commits it through the two-phase coordinator, and
// bundles the result into a tar.gz archive under dir. It returns the
// metadata of the committed snapshot and the archive's path.
func (m *Manager) Backup(col vector.Collection) (*BackupMetadata, string, error) {
	if _, err := m.coord.Prepare(); err != nil {
		return nil, "", fmt.Errorf("backup: prepare: %w", err)
	}

	var recordCount int
	err := m.coord.Commit(func(w *SnapshotWriter) error {
		ch, err := col.Iter()
		if err != nil {
			return fmt.Errorf("iterate collection: %w", err)
		}
		recordCount, err = w.WriteRecords(ch)
		if err != nil {
			return err
		}

		graphBytes, err := col.LoadGraph()
		if err != nil && !errors.Is(err, vector.ErrNotFound) {
			return fmt.Errorf("load graph: %w", err)
		}
		if err := w.WriteGraph(graphBytes); err != nil {
			return err
		}

		var keyCh <-chan vector.KeyBinding
		if kb, ok := col.(KeyBinder); ok {
			keyCh, err = kb.IterKeys()
			if err != nil {
				return fmt.Errorf("iterate key bindings: %w", err)
			}
		}
		return w.WriteKeys(keyCh)
	})
	if err != nil {
		_ = m.coord.Abort()
		return nil, "", fmt.Errorf("backup: commit: %w", err)
	}

	meta, err := m.coord.GetBackupMetadata()
	if err != nil {
		return nil, "", fmt.Errorf("backup: metadata: %w", err)
	}
	m.coord.Reset()

	archivePath := filepath.Join(m.dir, fmt.Sprintf("%s.tar.gz", GenerateSnapshotName("archive")))
	if err := NewArchiver(m.dataDir).Archive(archivePath); err != nil {
		return nil, "", fmt.Errorf("backup: archive: %w", err)
	}

	m.log.WithFields(map[string]interface{}{
		"records": recordCount,
		"lsn":     meta.LSN,
		"archive": archivePath,
	}).Info("backup committed")
	return meta, archivePath, nil
}

// Restore extracts archivePath into the manager's working directory,
// plans a recovery (latest snapshot plus any WAL entries appended
// after it), and replays it into col. Restore does not rebuild col's
// ANN graph; callers should run Index.Build (or rely on the restored
// graph bytes, if the collection's index supports loading them)
// afterward.
func (m *Manager) Restore(archivePath string, col vector.Collection) error {
	if err := NewArchiver(m.dataDir).Extract(archivePath); err != nil {
		return fmt.Errorf("restore: extract archive: %w", err)
	}

	recovery := NewRecovery(m.dataDir)
	plan, err := recovery.Plan()
	if err != nil {
		return fmt.Errorf("restore: plan: %w", err)
	}

	restoreFunc := func(path string) error {
		return RestoreSnapshot(path, func(r *SnapshotReader) error {
			records, err := r.ReadRecords()
			if err != nil {
				return fmt.Errorf("restore records: %w", err)
			}
			for _, rec := range records {
				if err := col.Put(rec.ID, rec); err != nil {
					return fmt.Errorf("restore record %d: %w", rec.ID, err)
				}
			}

			graphBytes, err := r.ReadGraph()
			if err != nil {
				return fmt.Errorf("restore graph: %w", err)
			}
			if len(graphBytes) > 0 {
				if err := col.SaveGraph(graphBytes); err != nil {
					return fmt.Errorf("restore graph: %w", err)
				}
			}

			keys, err := r.ReadKeys()
			if err != nil {
				return fmt.Errorf("restore key bindings: %w", err)
			}
			if kb, ok := col.(KeyBinder); ok {
				for _, k := range keys {
					if err := kb.BindKey(k.Key, k.ID); err != nil {
						return fmt.Errorf("restore key binding %q: %w", k.Key, err)
					}
				}
			}
			return nil
		})
	}

	replayFunc := func(entry *WALEntry) error {
		switch entry.Op {
		case OpPut:
			return col.Put(entry.ID, entry.Record)
		case OpDelete:
			if err := col.Delete(entry.ID); err != nil && !errors.Is(err, vector.ErrNotFound) {
				return err
			}
		}
		return nil
	}

	return recovery.Execute(plan, restoreFunc, replayFunc)
}
