package checkpoint

import (
	"context"
	"fmt"

	"github.com/mudworks/weaver"
)

// Archiver copies finished snapshot files off-host. Archival is best-effort
// and asynchronous to the commit path; the local snapshot plus the durability
// log remain the authoritative recovery source.
type Archiver interface {
	// Name identifies the target for logs.
	Name() string
	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte) error
}

// newArchiver builds the archiver the options select, or nil for none.
func newArchiver(ctx context.Context, opts weaver.CheckpointOptions) (Archiver, error) {
	switch opts.Archive {
	case weaver.ArchiveNone:
		return nil, nil
	case weaver.ArchiveS3:
		if opts.S3Bucket == "" {
			return nil, fmt.Errorf("s3 archive selected but s3_bucket is empty")
		}
		return newS3Archiver(ctx, opts.S3Bucket)
	case weaver.ArchiveCassandra:
		if len(opts.CassandraHosts) == 0 || opts.Keyspace == "" {
			return nil, fmt.Errorf("cassandra archive selected but hosts/keyspace are incomplete")
		}
		return newCassandraArchiver(opts.CassandraHosts, opts.Keyspace)
	default:
		return nil, fmt.Errorf("unknown archive type %q", opts.Archive)
	}
}
