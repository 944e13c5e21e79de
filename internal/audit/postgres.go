// Copyright 2025 The Tempesta-Fwd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS audit_log (
//   id          TEXT PRIMARY KEY,
//   ts          TIMESTAMPTZ NOT NULL,
//   client_addr TEXT NOT NULL,
//   method      TEXT NOT NULL,
//   uri         TEXT NOT NULL,
//   vhost       TEXT NOT NULL DEFAULT '',
//   status_code INT NOT NULL,
//   reason      TEXT NOT NULL DEFAULT ''
// );

// PostgresSink persists evictions for durable, queryable retention.
// Record is idempotent: re-offering the same Entry.ID is a no-op.
type PostgresSink struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresSink wraps an already-opened *sql.DB (sql.Open("postgres",
// dsn), left to the caller).
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, defaultTimeout: 5 * time.Second}
}

func (p *PostgresSink) Record(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.defaultTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log(id, ts, client_addr, method, uri, vhost, status_code, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Timestamp, e.ClientAddr, e.Method, e.URI, e.VHost, e.StatusCode, e.Reason)
	if err != nil {
		return fmt.Errorf("audit: insert audit_log(%s): %w", e.ID, err)
	}
	return nil
}
