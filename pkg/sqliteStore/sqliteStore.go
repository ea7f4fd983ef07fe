// Package sqliteStore implements the index backend contract over an
// embedded SQLite database (modernc.org/sqlite, pure Go). One generic
// implementation serves both table roles; the table name and fixed
// value length are constructor parameters.
package sqliteStore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/i5heu/ouroboros-edx/pkg/store"
	"github.com/i5heu/ouroboros-edx/pkg/types"
)

const backendName = "sqlite"

// Store is one index table persisted in SQLite.
type Store struct {
	db            *sql.DB
	table         string
	role          store.Role
	ciphertextLen int
	guard         *store.Guard
	log           *slog.Logger
}

var _ store.Store = (*Store)(nil)
var _ store.Replacer = (*Store)(nil)

// Open opens (or creates) the database file at path. Connections are
// capped at one so that write transactions serialize instead of
// failing with a busy error under contention.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqliteStore: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// New creates a Store over db for the given role, creating the table
// if needed. Both roles of one index may share a single database. A
// nil guard allocates a private one.
func New(db *sql.DB, role store.Role, ciphertextLen int, guard *store.Guard, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = store.NewGuard()
	}
	table := "entry_table"
	if role == store.RoleChain {
		table = "chain_table"
	}
	_, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			uid   BLOB PRIMARY KEY,
			value BLOB NOT NULL
		)`, table))
	if err != nil {
		return nil, fmt.Errorf("sqliteStore: creating table %s: %w", table, err)
	}
	return &Store{
		db:            db,
		table:         table,
		role:          role,
		ciphertextLen: ciphertextLen,
		guard:         guard,
		log:           logger,
	}, nil
}

// Guard exposes the exclusion guard shared with the compaction
// coordinator.
func (s *Store) Guard() *store.Guard { return s.guard }

func (s *Store) DumpTokens(ctx context.Context) (types.Tokens, error) {
	if s.role == store.RoleChain {
		return nil, store.E(backendName, "dump_tokens", store.ErrUnsupported)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT uid FROM %s", s.table))
	if err != nil {
		return nil, store.E(backendName, "dump_tokens", err)
	}
	defer rows.Close()

	var out types.Tokens
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, store.E(backendName, "dump_tokens", err)
		}
		tok, err := types.TokenFromBytes(raw)
		if err != nil {
			return nil, store.E(backendName, "dump_tokens", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, store.E(backendName, "dump_tokens", err)
	}
	return out, nil
}

func (s *Store) Fetch(ctx context.Context, tokens types.Tokens) (types.TokenValueMap, error) {
	if len(tokens) == 0 {
		return types.TokenValueMap{}, nil
	}
	query := fmt.Sprintf("SELECT uid, value FROM %s WHERE uid IN (%s)",
		s.table, placeholders(len(tokens)))
	rows, err := s.db.QueryContext(ctx, query, tokenArgs(tokens)...)
	if err != nil {
		return nil, store.E(backendName, "fetch", err)
	}
	defer rows.Close()

	out := make(types.TokenValueMap, len(tokens))
	for rows.Next() {
		var rawTok, rawVal []byte
		if err := rows.Scan(&rawTok, &rawVal); err != nil {
			return nil, store.E(backendName, "fetch", err)
		}
		tok, err := types.TokenFromBytes(rawTok)
		if err != nil {
			return nil, store.E(backendName, "fetch", err)
		}
		val, err := types.ParseEncryptedValue(rawVal, s.ciphertextLen)
		if err != nil {
			return nil, store.E(backendName, "fetch", err)
		}
		out[tok] = val
	}
	if err := rows.Err(); err != nil {
		return nil, store.E(backendName, "fetch", err)
	}
	return out, nil
}

// Upsert runs one transaction per call. SQLite transactions are
// serializable, so the read-compare-write of the whole batch commits
// atomically and a reader never observes a partially applied upsert.
func (s *Store) Upsert(ctx context.Context, oldValues, newValues types.TokenValueMap) (types.TokenValueMap, error) {
	if err := s.guard.BeginUpsert(); err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	defer s.guard.EndUpsert()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	defer tx.Rollback()

	selectStmt := fmt.Sprintf("SELECT value FROM %s WHERE uid = ?", s.table)
	replaceStmt := fmt.Sprintf("REPLACE INTO %s (uid, value) VALUES (?, ?)", s.table)

	rejected := make(types.TokenValueMap)
	for tok, nv := range newValues {
		var current []byte
		err := tx.QueryRowContext(ctx, selectStmt, tok[:]).Scan(&current)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return nil, store.E(backendName, "upsert", err)
		}

		var claimed []byte
		if ov, ok := oldValues[tok]; ok {
			claimed = ov.Bytes()
		}

		match := (!exists && claimed == nil) ||
			(exists && claimed != nil && string(current) == string(claimed))
		if match {
			if _, err := tx.ExecContext(ctx, replaceStmt, tok[:], nv.Bytes()); err != nil {
				return nil, store.E(backendName, "upsert", err)
			}
			continue
		}
		if !exists {
			// The caller claimed an old value for a row that is gone;
			// rows are never removed by upserts, so this is corruption,
			// not a conflict.
			return nil, store.E(backendName, "upsert",
				fmt.Errorf("row %s vanished while upserting", tok))
		}
		val, err := types.ParseEncryptedValue(current, s.ciphertextLen)
		if err != nil {
			return nil, store.E(backendName, "upsert", err)
		}
		rejected[tok] = val
	}

	if err := tx.Commit(); err != nil {
		return nil, store.E(backendName, "upsert", err)
	}
	s.log.Debug("upsert applied",
		"table", s.table, "written", len(newValues)-len(rejected), "rejected", len(rejected))
	return rejected, nil
}

// Insert writes all rows in one transaction and fails loudly on a
// duplicate token.
func (s *Store) Insert(ctx context.Context, values types.TokenValueMap) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.E(backendName, "insert", err)
	}
	defer tx.Rollback()

	insertStmt := fmt.Sprintf("INSERT INTO %s (uid, value) VALUES (?, ?)", s.table)
	for tok, v := range values {
		if _, err := tx.ExecContext(ctx, insertStmt, tok[:], v.Bytes()); err != nil {
			if isUniqueViolation(err) {
				return store.E(backendName, "insert", store.ErrDuplicate)
			}
			return store.E(backendName, "insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.E(backendName, "insert", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tokens types.Tokens) error {
	if len(tokens) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", s.table, placeholders(len(tokens)))
	if _, err := s.db.ExecContext(ctx, query, tokenArgs(tokens)...); err != nil {
		return store.E(backendName, "delete", err)
	}
	return nil
}

// Replace applies the compaction bulk replace in one transaction.
func (s *Store) Replace(ctx context.Context, add types.TokenValueMap, remove types.Tokens) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.E(backendName, "replace", err)
	}
	defer tx.Rollback()

	replaceStmt := fmt.Sprintf("REPLACE INTO %s (uid, value) VALUES (?, ?)", s.table)
	for tok, v := range add {
		if _, err := tx.ExecContext(ctx, replaceStmt, tok[:], v.Bytes()); err != nil {
			return store.E(backendName, "replace", err)
		}
	}
	deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE uid = ?", s.table)
	for _, tok := range remove {
		if _, err := tx.ExecContext(ctx, deleteStmt, tok[:]); err != nil {
			return store.E(backendName, "replace", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.E(backendName, "replace", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func tokenArgs(tokens types.Tokens) []any {
	args := make([]any, len(tokens))
	for i, tok := range tokens {
		t := tok
		args[i] = t[:]
	}
	return args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
