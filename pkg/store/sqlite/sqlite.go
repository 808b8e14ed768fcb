// Package sqlite provides a SQLite-backed store driver on top of
// database/sql and modernc.org/sqlite (pure Go, no cgo).
//
// Each pool slot gets its own sql.DB restricted to a single physical
// connection (MaxOpenConns=1), so the dbgate pool, not database/sql, owns
// pooling and transaction-to-connection affinity.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/voidheim/dbgate/pkg/store"
	_ "modernc.org/sqlite"
)

// Driver opens SQLite connections. The dsn is a file path or ":memory:".
type Driver struct{}

// New returns a SQLite driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "sqlite" }

// Open opens one physical SQLite connection and ensures the entity schema
// exists.
func (d *Driver) Open(ctx context.Context, dsn string) (store.Conn, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// One physical connection per pool slot: the pool manages lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	c := &conn{db: db}
	if err := c.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

type conn struct {
	db *sql.DB
	tx *sql.Tx
}

func (c *conn) ensureSchema(ctx context.Context) error {
	for _, t := range store.EntityTypes() {
		ddl := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY, data BLOB NOT NULL)", t)
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite schema for %s: %w", t, err)
		}
	}
	return nil
}

func (c *conn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *conn) Close() error {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

func (c *conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("sqlite: transaction already open")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("sqlite: no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("sqlite: no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return fmt.Errorf("sqlite rollback: %w", err)
	}
	return nil
}

// execer routes statements through the open transaction when one exists.
func (c *conn) execer() interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *conn) Exec(ctx context.Context, q store.Query) (*store.Result, error) {
	ex := c.execer()

	switch q.Type {
	case store.QueryCreate:
		stmt := fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, ?)", q.Entity)
		res, err := ex.ExecContext(ctx, stmt, q.EntityID, q.Data)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, fmt.Errorf("create %s/%d: %w", q.Entity, q.EntityID, store.ErrDuplicate)
			}
			return nil, fmt.Errorf("sqlite create: %w", err)
		}
		affected, _ := res.RowsAffected()
		return &store.Result{AffectedRows: affected, LastInsertID: q.EntityID}, nil

	case store.QueryRead:
		stmt := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", q.Entity)
		var data []byte
		err := ex.QueryRowContext(ctx, stmt, q.EntityID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read %s/%d: %w", q.Entity, q.EntityID, store.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite read: %w", err)
		}
		return &store.Result{
			Columns: []string{"id", "data"},
			Rows: [][]string{{
				strconv.FormatUint(q.EntityID, 10),
				hex.EncodeToString(data),
			}},
		}, nil

	case store.QueryUpdate:
		stmt := fmt.Sprintf(
			"INSERT INTO %s (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", q.Entity)
		res, err := ex.ExecContext(ctx, stmt, q.EntityID, q.Data)
		if err != nil {
			return nil, fmt.Errorf("sqlite upsert: %w", err)
		}
		affected, _ := res.RowsAffected()
		return &store.Result{AffectedRows: affected}, nil

	case store.QueryDelete:
		stmt := fmt.Sprintf("DELETE FROM %s WHERE id = ?", q.Entity)
		res, err := ex.ExecContext(ctx, stmt, q.EntityID)
		if err != nil {
			return nil, fmt.Errorf("sqlite delete: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return nil, fmt.Errorf("delete %s/%d: %w", q.Entity, q.EntityID, store.ErrNotFound)
		}
		return &store.Result{AffectedRows: affected}, nil

	case store.QueryList:
		stmt := fmt.Sprintf("SELECT id, data FROM %s", q.Entity)
		return c.queryRows(ctx, ex, stmt)

	case store.QuerySearch:
		// The filter expression is driver-defined; SQLite treats it as a
		// WHERE clause fragment supplied by trusted game-logic servers.
		stmt := fmt.Sprintf("SELECT id, data FROM %s WHERE %s", q.Entity, q.Text)
		return c.queryRows(ctx, ex, stmt)

	case store.QueryCount:
		stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", q.Entity)
		var n int64
		if err := ex.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlite count: %w", err)
		}
		return &store.Result{
			Columns: []string{"count"},
			Rows:    [][]string{{strconv.FormatInt(n, 10)}},
		}, nil

	case store.QueryCustom:
		text := strings.TrimSpace(q.Text)
		if len(text) >= 6 && strings.EqualFold(text[:6], "SELECT") {
			return c.queryRows(ctx, ex, text)
		}
		res, err := ex.ExecContext(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("sqlite exec: %w", err)
		}
		affected, _ := res.RowsAffected()
		last, _ := res.LastInsertId()
		return &store.Result{AffectedRows: affected, LastInsertID: uint64(last)}, nil

	default:
		return nil, fmt.Errorf("sqlite: unsupported query type %v", q.Type)
	}
}

// queryRows scans an arbitrary row set into the string-tuple Result shape.
// BLOB columns are hex encoded; everything else is rendered as text.
func (c *conn) queryRows(ctx context.Context, ex interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, stmt string, args ...any) (*store.Result, error) {
	rows, err := ex.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite columns: %w", err)
	}

	res := &store.Result{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		for i := range raw {
			raw[i] = new(any)
		}
		if err := rows.Scan(raw...); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		tuple := make([]string, len(cols))
		for i, v := range raw {
			tuple[i] = renderValue(*(v.(*any)))
		}
		res.Rows = append(res.Rows, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows: %w", err)
	}
	return res, nil
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return hex.EncodeToString(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
