package checkpoint

import (
	"context"

	"github.com/gocql/gocql"
)

type cassandraArchiver struct {
	session  *gocql.Session
	keyspace string
}

// newCassandraArchiver builds an archiver backed by a Cassandra keyspace.
// The keyspace must exist; the snapshots table is created on first use.
func newCassandraArchiver(hosts []string, keyspace string) (Archiver, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	if err := session.Query(
		`CREATE TABLE IF NOT EXISTS snapshots (name text PRIMARY KEY, data blob)`).Exec(); err != nil {
		session.Close()
		return nil, err
	}
	return &cassandraArchiver{session: session, keyspace: keyspace}, nil
}

func (a *cassandraArchiver) Name() string { return "cassandra:" + a.keyspace }

func (a *cassandraArchiver) Put(ctx context.Context, key string, data []byte) error {
	return a.session.Query(
		`INSERT INTO snapshots (name, data) VALUES (?, ?)`, key, data).
		WithContext(ctx).Exec()
}
