/*
PACS Edge Gateway - DICOM edge gateway for medical imaging pipelines.
Copyright © 2024 The pacsedge contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package queue implements the durable queue store, the single
// authority over the per-object delivery records.
//
// The store runs on PostgreSQL when the POSTGRES_HOST environment
// variable is set (the containerized deployment) and on an embedded
// SQLite file otherwise. All timestamps are stored as Unix
// milliseconds so both backends share one schema.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/framework/log"
)

// QueueItem states.
const (
	StateQueued     = "queued"
	StateForwarding = "forwarding"
	StateSent       = "sent"
	StateFailed     = "failed"
)

// AI correlation statuses. The zero value means no worker send was
// attempted for the record.
const (
	AIStatusNone      = ""
	AIStatusPending   = "pending"
	AIStatusDelivered = "delivered"
	AIStatusFailed    = "failed"
	AIStatusTimeout   = "timeout"
)

// Item is one durable queue record.
type Item struct {
	ID       int64  `db:"id"`
	StudyUID string `db:"study_uid"`
	SOPUID   string `db:"sop_uid"`
	FilePath string `db:"file_path"`
	State    string `db:"state"`

	Retries   int            `db:"retries"`
	LastError sql.NullString `db:"last_error"`

	WorkerHost       sql.NullString `db:"worker_host"`
	WorkerAE         sql.NullString `db:"worker_ae"`
	WorkerSentAt     sql.NullInt64  `db:"worker_sent_at"`
	ResultReceivedAt sql.NullInt64  `db:"result_received_at"`
	AIStatus         string         `db:"ai_status"`
	PACSSentAt       sql.NullInt64  `db:"pacs_sent_at"`

	CreatedAt int64 `db:"created_at"`
	UpdatedAt int64 `db:"updated_at"`
}

// Correlation ties a received AI result back to the worker send that
// produced it.
type Correlation struct {
	OriginalSOP string
	WorkerHost  string
	WorkerAE    string
	DurationMS  int64
}

// Store wraps the backing database. Safe for concurrent use.
type Store struct {
	db  *sqlx.DB
	log log.Logger

	// now is replaced in tests for deterministic timestamps.
	now func() time.Time
}

const (
	connectAttempts = 10
	connectDelay    = 2 * time.Second
)

// Open connects the queue store per the edge configuration: PostgreSQL
// when POSTGRES_HOST is set, otherwise an embedded SQLite database at
// edge.store_path.
//
// Connection establishment is retried for a bounded period; if the
// store stays unreachable the returned error is a config.ConfigError
// and the gateway should not start.
func Open(ctx context.Context, cfg *config.Config, logger log.Logger) (*Store, error) {
	if os.Getenv("POSTGRES_HOST") != "" || os.Getenv("POSTGRES_DB") != "" {
		return open(ctx, "postgres", postgresDSN(), logger)
	}
	path := cfg.Edge.StorePath
	if path == "" {
		path = "pacsedge.db"
	}
	return open(ctx, "sqlite", path, logger)
}

// OpenSQLite opens an embedded store at path. Used by tests and by
// single-node deployments without PostgreSQL.
func OpenSQLite(ctx context.Context, path string, logger log.Logger) (*Store, error) {
	return open(ctx, "sqlite", path, logger)
}

func postgresDSN() string {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		get("POSTGRES_HOST", "postgres"),
		get("POSTGRES_PORT", "5432"),
		get("POSTGRES_DB", "pacs"),
		get("POSTGRES_USER", "pacs"),
		get("POSTGRES_PASSWORD", "pacs"))
}

func open(ctx context.Context, driver, dsn string, logger log.Logger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, config.ConfigError{Reason: fmt.Sprintf("cannot open %s store: %v", driver, err)}
	}

	if driver == "sqlite" {
		// modernc.org/sqlite serializes writes itself, a single
		// connection avoids SQLITE_BUSY on concurrent claims.
		db.SetMaxOpenConns(1)
	}

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewConstant(connectDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			logger.Warning("store unreachable, retrying", "driver", driver, "error", err.Error())
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, config.ConfigError{Reason: fmt.Sprintf("store unreachable: %v", err)}
	}

	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.migrate(driver); err != nil {
		db.Close()
		return nil, config.ConfigError{Reason: fmt.Sprintf("store migration failed: %v", err)}
	}

	logger.Msg("connected", "driver", driver)
	return s, nil
}

func (s *Store) migrate(driver string) error {
	id := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			id ` + id + `,
			study_uid TEXT NOT NULL,
			sop_uid TEXT NOT NULL,
			file_path TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued',
			retries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			worker_host TEXT,
			worker_ae TEXT,
			worker_sent_at BIGINT,
			result_received_at BIGINT,
			ai_status TEXT NOT NULL DEFAULT '',
			pacs_sent_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS queue_items_claim ON queue_items (state, created_at)`,
		`CREATE INDEX IF NOT EXISTS queue_items_study ON queue_items (study_uid, ai_status)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}
