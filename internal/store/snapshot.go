package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// WriteSnapshotFile serializes snap to path as JSON, guarded by an
// exclusive file lock so a concurrent restore never reads a half
// written file.
func WriteSnapshotFile(path string, snap Snapshot) error {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock snapshot file %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("snapshot file %s is locked by another process", path)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot tmp file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// ReadSnapshotFile loads a Snapshot previously written by WriteSnapshotFile.
func ReadSnapshotFile(path string) (Snapshot, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil {
		return Snapshot{}, fmt.Errorf("lock snapshot file %s: %w", path, err)
	}
	if !locked {
		return Snapshot{}, fmt.Errorf("snapshot file %s is locked by another process", path)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot file %s: %w", path, err)
	}
	defer f.Close()
	var snap Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// ErrManifestMismatch is returned by RestoreInto when a snapshot was
// taken under a different tier/embedding configuration than the one
// it is being restored into.
var ErrManifestMismatch = fmt.Errorf("snapshot manifest does not match current configuration")

// RestoreInto adds every record in snap to dst via Put, skipping
// records that already exist (idempotent re-application); records
// already in dst that are not in snap are left in place.
// want is the caller's current configuration manifest; a mismatch
// against snap.Manifest is a hard error rather than a silent replay.
func RestoreInto(ctx context.Context, dst Store, snap Snapshot, want Manifest) error {
	if !snap.Manifest.Equal(want) {
		return ErrManifestMismatch
	}
	for _, r := range snap.Records {
		if err := dst.Put(ctx, r); err != nil {
			if _, getErr := dst.Get(ctx, r.ID); getErr == nil {
				continue
			}
			return fmt.Errorf("restore record %s: %w", r.ID, err)
		}
	}
	return nil
}

// ExportSnapshot drains src via ScanCandidates into a Snapshot stamped
// with manifest, the configuration the snapshot is valid under.
func ExportSnapshot(ctx context.Context, src Store, manifest Manifest) (Snapshot, error) {
	var recs []record.Record
	err := src.ScanCandidates(ctx, func(r record.Record) bool {
		recs = append(recs, r)
		return true
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("export snapshot: %w", err)
	}
	return Snapshot{Manifest: manifest, Records: recs}, nil
}
