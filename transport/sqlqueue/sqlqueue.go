// Package sqlqueue implements a polling queue transport on a SQL table. The
// sqlite and postgres transports register it under their own names.
//
// A delivered row is locked for LockTimeout. Acking deletes it, nacking makes
// it available again after a backoff, and a row nacked MaxDeliver times moves
// to the dead letter table.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relaybench/internal/runtime/jsoncodec"
	"github.com/drblury/relaybench/transport"
)

const (
	// DefaultPollInterval is how often an idle subscription looks for rows.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultMaxDeliver is how many deliveries a row gets before it is dead
	// lettered.
	DefaultMaxDeliver = 3
	// DefaultLockTimeout is how long a delivered row stays invisible to other
	// consumers. A consumer that dies mid-message releases it this way.
	DefaultLockTimeout = 30 * time.Second
	// DefaultRetryBackoff is the delay after the first nack; later nacks wait
	// proportionally longer.
	DefaultRetryBackoff = time.Second
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Driver       string
	Capabilities transport.Capabilities
	// numbered selects $n placeholders instead of ?.
	numbered    bool
	idColumn    string
	payloadType string
	lockClause  string
	maxConns    int
}

// Supported dialects.
var (
	SQLite = Dialect{
		Driver:       "sqlite3",
		Capabilities: transport.SQLiteCapabilities,
		idColumn:     "INTEGER PRIMARY KEY AUTOINCREMENT",
		payloadType:  "BLOB",
		maxConns:     1,
	}
	Postgres = Dialect{
		Driver:       "postgres",
		Capabilities: transport.PostgresCapabilities,
		numbered:     true,
		idColumn:     "BIGSERIAL PRIMARY KEY",
		payloadType:  "BYTEA",
		lockClause:   "FOR UPDATE SKIP LOCKED",
		maxConns:     10,
	}
)

// rebind rewrites ? placeholders to $n when the dialect needs it.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Config tunes a queue. Zero values take the defaults.
type Config struct {
	DSN          string
	PollInterval time.Duration
	MaxDeliver   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Queue implements Publisher and Subscriber on one database.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	now     func() time.Time

	closedMu   sync.RWMutex
	closed     bool
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// Open connects to cfg.DSN and creates the queue tables when missing.
func Open(ctx context.Context, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s queue: dsn is required", dialect.Capabilities.Name)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%s queue: open: %w", dialect.Capabilities.Name, err)
	}
	db.SetMaxOpenConns(dialect.maxConns)
	db.SetMaxIdleConns(dialect.maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	q := &Queue{
		db:         db,
		dialect:    dialect,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		closedChan: make(chan struct{}),
	}
	if err := q.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s queue: initialize schema: %w", dialect.Capabilities.Name, err)
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS relay_queue (
			id %s,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload %s NOT NULL,
			metadata TEXT NOT NULL,
			available_at_ms BIGINT NOT NULL,
			locked_until_ms BIGINT NOT NULL DEFAULT 0,
			deliveries INTEGER NOT NULL DEFAULT 0
		)`, q.dialect.idColumn, q.dialect.payloadType),
		`CREATE INDEX IF NOT EXISTS idx_relay_queue_topic ON relay_queue(topic, available_at_ms)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS relay_dead_letters (
			id %s,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload %s NOT NULL,
			metadata TEXT NOT NULL,
			deliveries INTEGER NOT NULL,
			failed_at_ms BIGINT NOT NULL
		)`, q.dialect.idColumn, q.dialect.payloadType),
		`CREATE INDEX IF NOT EXISTS idx_relay_dead_letters_topic ON relay_dead_letters(topic)`,
	}
	for _, stmt := range statements {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) isClosed() bool {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	return q.closed
}

// Publish inserts messages in one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return errors.New("sqlqueue: queue is closed")
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlqueue: begin: %w", err)
	}
	defer q.rollback(tx)

	stmt, err := tx.Prepare(q.dialect.rebind(`
		INSERT INTO relay_queue (uuid, topic, payload, metadata, available_at_ms)
		VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("sqlqueue: prepare insert: %w", err)
	}
	defer stmt.Close()

	nowMs := q.now().UnixMilli()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("sqlqueue: marshal metadata: %w", err)
		}
		if _, err := stmt.Exec(msg.UUID, topic, []byte(msg.Payload), string(metadata), nowMs); err != nil {
			return fmt.Errorf("sqlqueue: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlqueue: commit: %w", err)
	}
	return nil
}

func (q *Queue) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		q.logger.Error("Failed to roll back transaction", err, nil)
	}
}

// Subscribe polls topic for available rows and delivers them one at a time,
// waiting for each to be settled before the next.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, errors.New("sqlqueue: queue is closed")
	}

	output := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, output)
	return output, nil
}

func (q *Queue) poll(ctx context.Context, topic string, output chan<- *message.Message) {
	defer q.wg.Done()
	defer close(output)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything available before sleeping again.
		for {
			row, err := q.claim(ctx, topic)
			if err != nil {
				if ctx.Err() == nil && !q.isClosed() {
					q.logger.Error("Failed to claim message", err, watermill.LogFields{"topic": topic})
				}
				break
			}
			if row == nil {
				break
			}
			if !q.deliver(ctx, row, output) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-q.closedChan:
			return
		case <-ticker.C:
		}
	}
}

type claimedRow struct {
	id         int64
	uuid       string
	payload    []byte
	metadata   string
	deliveries int
}

// claim locks the oldest available row of topic and counts the delivery. It
// returns nil when nothing is available.
func (q *Queue) claim(ctx context.Context, topic string) (*claimedRow, error) {
	nowMs := q.now().UnixMilli()
	lockUntil := nowMs + q.config.LockTimeout.Milliseconds()
	query := q.dialect.rebind(fmt.Sprintf(`
		UPDATE relay_queue
		SET locked_until_ms = ?, deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM relay_queue
			WHERE topic = ? AND available_at_ms <= ? AND locked_until_ms < ?
			ORDER BY id
			LIMIT 1
			%s
		)
		RETURNING id, uuid, payload, metadata, deliveries`, q.dialect.lockClause))

	var row claimedRow
	err := q.db.QueryRowContext(ctx, query, lockUntil, topic, nowMs, nowMs).
		Scan(&row.id, &row.uuid, &row.payload, &row.metadata, &row.deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// deliver hands row to the subscriber and applies its verdict. It returns
// false when the subscription ended; the row is then released.
func (q *Queue) deliver(ctx context.Context, row *claimedRow, output chan<- *message.Message) bool {
	msg := message.NewMessage(row.uuid, row.payload)
	if row.metadata != "" {
		metadata := make(message.Metadata)
		if err := jsoncodec.Unmarshal([]byte(row.metadata), &metadata); err != nil {
			q.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{"message_uuid": row.uuid})
		} else {
			msg.Metadata = metadata
		}
	}

	select {
	case output <- msg:
	case <-ctx.Done():
		q.release(row.id)
		return false
	case <-q.closedChan:
		q.release(row.id)
		return false
	}

	select {
	case <-msg.Acked():
		q.ack(row.id)
		return true
	case <-msg.Nacked():
		q.nack(row)
		return true
	case <-ctx.Done():
		q.release(row.id)
		return false
	case <-q.closedChan:
		q.release(row.id)
		return false
	}
}

func (q *Queue) ack(id int64) {
	if _, err := q.db.Exec(q.dialect.rebind(`DELETE FROM relay_queue WHERE id = ?`), id); err != nil {
		q.logger.Error("Failed to ack message", err, watermill.LogFields{"row_id": id})
	}
}

// nack schedules a redelivery, or dead letters the row once it has been
// delivered MaxDeliver times.
func (q *Queue) nack(row *claimedRow) {
	if row.deliveries >= q.config.MaxDeliver {
		if err := q.deadLetter(row.id); err != nil {
			q.logger.Error("Failed to dead letter message", err, watermill.LogFields{"message_uuid": row.uuid})
		}
		return
	}
	availableAt := q.now().Add(time.Duration(row.deliveries) * q.config.RetryBackoff).UnixMilli()
	_, err := q.db.Exec(q.dialect.rebind(`
		UPDATE relay_queue SET locked_until_ms = 0, available_at_ms = ? WHERE id = ?`), availableAt, row.id)
	if err != nil {
		q.logger.Error("Failed to nack message", err, watermill.LogFields{"message_uuid": row.uuid})
	}
}

func (q *Queue) deadLetter(id int64) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer q.rollback(tx)

	if _, err := tx.Exec(q.dialect.rebind(`
		INSERT INTO relay_dead_letters (uuid, topic, payload, metadata, deliveries, failed_at_ms)
		SELECT uuid, topic, payload, metadata, deliveries, ? FROM relay_queue WHERE id = ?`),
		q.now().UnixMilli(), id); err != nil {
		return err
	}
	if _, err := tx.Exec(q.dialect.rebind(`DELETE FROM relay_queue WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// release unlocks a row that was claimed but not settled. The delivery does
// not count.
func (q *Queue) release(id int64) {
	_, err := q.db.Exec(q.dialect.rebind(`
		UPDATE relay_queue SET locked_until_ms = 0, deliveries = deliveries - 1 WHERE id = ?`), id)
	if err != nil {
		q.logger.Error("Failed to release message", err, watermill.LogFields{"row_id": id})
	}
}

// Capabilities reports what this queue supports.
func (q *Queue) Capabilities() transport.Capabilities {
	return q.dialect.Capabilities
}

// Close stops the pollers, releasing any unsettled rows, and closes the
// database.
func (q *Queue) Close() error {
	q.closedMu.Lock()
	if q.closed {
		q.closedMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closedChan)
	q.closedMu.Unlock()

	q.wg.Wait()
	return q.db.Close()
}
