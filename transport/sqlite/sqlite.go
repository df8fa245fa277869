// Package sqlite provides a queue transport stored in a SQLite file. It needs
// no broker, so a relay and harness can run against it on one machine.
package sqlite

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/relaybench/transport"
	"github.com/drblury/relaybench/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFile is used when no database file is configured.
const DefaultFile = "relaybench_queue.db"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the queue in the configured file. Processes sharing the file
// share the queue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := sqlqueue.Open(ctx, sqlqueue.SQLite, sqlqueue.Config{DSN: dsn(cfg.GetSQLiteFile())}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  q,
		Subscriber: q,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

func dsn(file string) string {
	if file == "" {
		file = DefaultFile
	}
	if strings.Contains(file, "?") {
		return file
	}
	return file + "?_journal_mode=WAL&_busy_timeout=5000"
}
