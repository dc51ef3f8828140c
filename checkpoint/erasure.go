package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"

	"github.com/mudworks/weaver"
)

// Erasure-coded snapshot segments. When configured, a finished snapshot is
// split into data+parity shards spread across the configured drive folders,
// so the world survives losing up to ParityShardsCount drives.

type erasureMeta struct {
	Size   int `json:"size"`
	Shards int `json:"shards"`
}

func shardPath(base, name string, idx int) string {
	return filepath.Join(base, fmt.Sprintf("%s.seg%d", name, idx))
}

func metaPath(base, name string) string {
	return filepath.Join(base, name+".segmeta")
}

// writeErasureSegments encodes data into shards and spreads them round-robin
// across the configured base folders. The shard-count metadata lands next to
// shard 0.
func writeErasureSegments(name string, data []byte, cfg *weaver.ErasureCodingConfig) error {
	enc, err := reedsolomon.New(cfg.DataShardsCount, cfg.ParityShardsCount)
	if err != nil {
		return err
	}
	shards, err := enc.Split(data)
	if err != nil {
		return err
	}
	if err := enc.Encode(shards); err != nil {
		return err
	}
	folders := cfg.BaseFolderPathsAcrossDrives
	for i, shard := range shards {
		base := folders[i%len(folders)]
		if err := os.MkdirAll(base, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(shardPath(base, name, i), shard, 0o644); err != nil {
			return err
		}
	}
	meta, err := weaver.NewMarshaler().Marshal(erasureMeta{Size: len(data), Shards: len(shards)})
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath(folders[0], name), meta, 0o644)
}

// readErasureSegments reassembles a snapshot from its shards, reconstructing
// missing or unreadable ones when enough survive. Reconstructed shards are
// written back when the config asks for repair.
func readErasureSegments(name string, cfg *weaver.ErasureCodingConfig) ([]byte, error) {
	folders := cfg.BaseFolderPathsAcrossDrives
	raw, err := os.ReadFile(metaPath(folders[0], name))
	if err != nil {
		return nil, err
	}
	var meta erasureMeta
	if err := weaver.NewMarshaler().Unmarshal(raw, &meta); err != nil {
		return nil, err
	}

	enc, err := reedsolomon.New(cfg.DataShardsCount, cfg.ParityShardsCount)
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, meta.Shards)
	missing := 0
	for i := range shards {
		base := folders[i%len(folders)]
		b, err := os.ReadFile(shardPath(base, name, i))
		if err != nil {
			missing++
			continue
		}
		shards[i] = b
	}
	if missing > 0 {
		if err := enc.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("reconstructing %d missing shards of %s: %w", missing, name, err)
		}
		if cfg.RepairCorruptedShards {
			for i, shard := range shards {
				base := folders[i%len(folders)]
				p := shardPath(base, name, i)
				if _, statErr := os.Stat(p); statErr != nil {
					if werr := os.WriteFile(p, shard, 0o644); werr != nil {
						return nil, werr
					}
				}
			}
		}
	}
	buf := &sliceWriter{}
	if err := enc.Join(buf, shards, meta.Size); err != nil {
		return nil, err
	}
	return buf.b, nil
}

type sliceWriter struct{ b []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
