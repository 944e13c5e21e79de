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

package rules

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS rule_chains (
//   name TEXT PRIMARY KEY
// );
//
// CREATE TABLE IF NOT EXISTS rule_entries (
//   chain_name   TEXT NOT NULL REFERENCES rule_chains(name),
//   seq          INT NOT NULL,
//   is_mark_rule BOOLEAN NOT NULL,
//   field        SMALLINT NOT NULL,
//   op           SMALLINT NOT NULL,
//   inv          BOOLEAN NOT NULL DEFAULT false,
//   arg          TEXT NOT NULL DEFAULT '',
//   hdr_name     TEXT NOT NULL DEFAULT '',
//   action_kind  SMALLINT NOT NULL,
//   action_value TEXT NOT NULL DEFAULT '',
//   PRIMARY KEY (chain_name, is_mark_rule, seq)
// );

// Store loads a rule table from Postgres and keeps the most recently
// loaded table available for atomic hot-reload (the distilled rule-table
// spec assumes a literal in-memory table at startup; this gives it a
// durable, reloadable backing store instead, following the same
// idempotent-apply posture as the rate limiter's commit persister).
type Store struct {
	db             *sql.DB
	defaultTimeout time.Duration
	current        atomic.Pointer[Table]
}

// NewStore wraps an already-opened *sql.DB (obtained via
// sql.Open("postgres", dsn) by the caller).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, defaultTimeout: 10 * time.Second}
}

// Current returns the most recently loaded table, or nil if Reload has
// never been called successfully.
func (s *Store) Current() *Table {
	return s.current.Load()
}

// Reload reads the full chain/rule set from Postgres, validates it (T1),
// and — only if validation succeeds — swaps it in as Current. A bad
// reload never clobbers a previously good table.
func (s *Store) Reload(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.defaultTimeout)
		defer cancel()
	}

	names, err := s.loadChainNames(ctx)
	if err != nil {
		return fmt.Errorf("rules: load chain names: %w", err)
	}

	table := NewTable()
	for _, name := range names {
		chain := &Chain{Name: name}
		if err := s.loadRules(ctx, name, true, &chain.MarkRules); err != nil {
			return fmt.Errorf("rules: load mark rules for chain %q: %w", name, err)
		}
		if err := s.loadRules(ctx, name, false, &chain.MatchRules); err != nil {
			return fmt.Errorf("rules: load match rules for chain %q: %w", name, err)
		}
		if err := table.AddChain(chain); err != nil {
			return err
		}
	}
	if err := table.Validate(); err != nil {
		return err
	}

	s.current.Store(table)
	return nil
}

func (s *Store) loadChainNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM rule_chains`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) loadRules(ctx context.Context, chainName string, markOnly bool, into *[]Rule) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, op, inv, arg, hdr_name, action_kind, action_value
		FROM rule_entries
		WHERE chain_name = $1 AND is_mark_rule = $2
		ORDER BY seq ASC`, chainName, markOnly)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			field, op, actionKind int
			inv                   bool
			arg, hdrName, actVal  string
		)
		if err := rows.Scan(&field, &op, &inv, &arg, &hdrName, &actionKind, &actVal); err != nil {
			return err
		}
		r, err := decodeRule(Field(field), Op(op), inv, arg, hdrName, ActionKind(actionKind), actVal)
		if err != nil {
			return err
		}
		*into = append(*into, r)
	}
	return rows.Err()
}

// decodeRule interprets action_value according to action_kind: the vhost
// or chain name for ActionVHost/ActionChain, or a base-10 uint32 for
// ActionMark (ActionBlock ignores it).
func decodeRule(field Field, op Op, inv bool, arg, hdrName string, kind ActionKind, actVal string) (Rule, error) {
	r := Rule{Field: field, Op: op, Inv: inv, Arg: arg, HdrName: hdrName, Action: Action{Kind: kind}}
	switch kind {
	case ActionVHost:
		r.Action.VHost = actVal
	case ActionChain:
		r.Action.Chain = actVal
	case ActionMark:
		var mark uint32
		for i := 0; i < len(actVal); i++ {
			c := actVal[i]
			if c < '0' || c > '9' {
				return Rule{}, fmt.Errorf("rules: non-numeric mark action_value %q", actVal)
			}
			mark = mark*10 + uint32(c-'0')
		}
		r.Action.Mark = mark
	case ActionBlock:
		// no payload
	}
	return r, nil
}
