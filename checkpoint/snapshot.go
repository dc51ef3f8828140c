package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
)

// Snapshot file format: a fixed header followed by a snappy-compressed JSON
// body. A reader that does not recognize the magic or the format version must
// refuse to load; guessing at on-disk state is how worlds get corrupted.
const (
	snapshotMagic         = "WVCP"
	snapshotFormatVersion = uint32(1)
	snapshotHeaderSize    = 8
	snapshotSuffix        = ".ckpt"
)

func snapshotFileName(version uint64) string {
	return fmt.Sprintf("snapshot-%020d%s", version, snapshotSuffix)
}

// WriteSnapshotFile persists the store state visible at version, atomically
// (write to a temp file, then rename).
func WriteSnapshotFile(folder string, version uint64, nextObj weaver.ObjID, entries []store.Entry) (string, error) {
	body, err := encodeSnapshot(version, nextObj, entries)
	if err != nil {
		return "", err
	}
	buf := make([]byte, snapshotHeaderSize)
	copy(buf, snapshotMagic)
	binary.BigEndian.PutUint32(buf[4:], snapshotFormatVersion)
	buf = append(buf, snappy.Encode(nil, body)...)

	path := filepath.Join(folder, snapshotFileName(version))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// ReadSnapshotFile loads and validates a snapshot file. Unknown magic or
// format versions are classified as CheckpointFormatFailure, which callers
// treat as fatal.
func ReadSnapshotFile(path string) (uint64, weaver.ObjID, []store.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(raw) < snapshotHeaderSize || string(raw[:4]) != snapshotMagic {
		return 0, 0, nil, weaver.Error{
			Code:     weaver.CheckpointFormatFailure,
			Err:      fmt.Errorf("%s is not a snapshot file", path),
			UserData: path,
		}
	}
	if fv := binary.BigEndian.Uint32(raw[4:8]); fv != snapshotFormatVersion {
		return 0, 0, nil, weaver.Error{
			Code:     weaver.CheckpointFormatFailure,
			Err:      fmt.Errorf("%s has format version %d, this build reads %d", path, fv, snapshotFormatVersion),
			UserData: path,
		}
	}
	body, err := snappy.Decode(nil, raw[snapshotHeaderSize:])
	if err != nil {
		return 0, 0, nil, weaver.Error{
			Code:     weaver.CheckpointFormatFailure,
			Err:      fmt.Errorf("decompressing %s: %w", path, err),
			UserData: path,
		}
	}
	version, nextObj, entries, err := decodeSnapshot(body)
	if err != nil {
		return 0, 0, nil, weaver.Error{
			Code:     weaver.CheckpointFormatFailure,
			Err:      fmt.Errorf("decoding %s: %w", path, err),
			UserData: path,
		}
	}
	return version, nextObj, entries, nil
}

// newestSnapshot finds the highest-versioned snapshot file in folder. found
// is false for a fresh folder.
func newestSnapshot(folder string) (path string, version uint64, found bool, err error) {
	names, err := filepath.Glob(filepath.Join(folder, "snapshot-*"+snapshotSuffix))
	if err != nil {
		return "", 0, false, err
	}
	sort.Strings(names)
	for i := len(names) - 1; i >= 0; i-- {
		base := filepath.Base(names[i])
		numeric := strings.TrimSuffix(strings.TrimPrefix(base, "snapshot-"), snapshotSuffix)
		v, perr := strconv.ParseUint(numeric, 10, 64)
		if perr != nil {
			continue
		}
		return names[i], v, true, nil
	}
	return "", 0, false, nil
}

// pruneSnapshots removes all but the keep newest snapshot files.
func pruneSnapshots(folder string, keep int) error {
	names, err := filepath.Glob(filepath.Join(folder, "snapshot-*"+snapshotSuffix))
	if err != nil {
		return err
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(n); err != nil {
			return err
		}
	}
	return nil
}
