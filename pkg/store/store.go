// Package store defines the backing-store abstraction used by the connection
// pool. A Driver opens physical connections; each Conn executes queries and
// manages its own transaction state. The actual SQL dialect and storage
// engine are the driver's concern: the rest of dbgate only sees Query values
// going in and column/row Results coming out.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EntityType identifies a class of cacheable game entities.
//
// Entities are keyed by (EntityType, numeric id) throughout dbgate: in the
// entity cache, in CRUD queries and in advisory locks.
type EntityType string

const (
	EntityAccount   EntityType = "account"
	EntityCharacter EntityType = "character"
	EntityGuild     EntityType = "guild"
	EntityItem      EntityType = "item"
)

// EntityTypes lists all known entity types in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityAccount, EntityCharacter, EntityGuild, EntityItem}
}

// QueryType classifies a query so that drivers can render typed CRUD
// operations without parsing query text.
type QueryType int

const (
	QueryCreate QueryType = iota
	QueryRead
	QueryUpdate
	QueryDelete
	QueryList
	QuerySearch
	QueryCount
	// QueryCustom passes Query.Text verbatim to the backing store.
	QueryCustom
)

func (t QueryType) String() string {
	switch t {
	case QueryCreate:
		return "create"
	case QueryRead:
		return "read"
	case QueryUpdate:
		return "update"
	case QueryDelete:
		return "delete"
	case QueryList:
		return "list"
	case QuerySearch:
		return "search"
	case QueryCount:
		return "count"
	case QueryCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Query is a single unit of work for the backing store.
//
// Typed CRUD queries carry Entity/EntityID/Data and are rendered by the
// driver; Custom queries carry opaque Text. A Query is created per call,
// consumed by the pool and discarded once its result is returned.
type Query struct {
	// Type selects how the driver interprets this query.
	Type QueryType

	// Entity is the target entity type for typed queries.
	Entity EntityType

	// EntityID is the target entity id for Read/Update/Delete.
	EntityID uint64

	// Data is the serialized entity payload for Create/Update.
	Data []byte

	// Text is the opaque query string for Custom queries (and the filter
	// expression for Search).
	Text string

	// TxID binds the query to a pool transaction; zero means autocommit.
	TxID uint64

	// Timeout bounds execution plus the wait for a free connection.
	// Zero means the pool default.
	Timeout time.Duration
}

// Result is the raw outcome of a query at the driver level.
//
// Rows are ordered string tuples; Columns names them. Drivers return Result
// by value semantics: callers own the returned slices.
type Result struct {
	Columns      []string
	Rows         [][]string
	AffectedRows int64
	LastInsertID uint64
}

// Conn is one physical backing-store connection, owned exclusively by the
// pool and reused across queries. Implementations are not required to be
// safe for concurrent use: the pool serializes access per connection.
type Conn interface {
	// Exec runs a single query. A query that matches no entity returns
	// ErrNotFound (wrapped), not an empty success.
	Exec(ctx context.Context, q Query) (*Result, error)

	// Begin/Commit/Rollback manage the connection-local transaction.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	Close() error
}

// Driver opens backing-store connections from a connection string.
type Driver interface {
	// Open establishes one physical connection. The pool calls Open once
	// per pool slot and again on reconnect.
	Open(ctx context.Context, dsn string) (Conn, error)

	// Name returns the driver name for logging ("memory", "sqlite", ...).
	Name() string
}

// ErrNotFound is returned by drivers when a typed Read/Update/Delete matches
// no stored entity. The cache degrades this to a plain "not found" instead
// of an error.
var ErrNotFound = errors.New("store: entity not found")

// ErrDuplicate is returned when a Create collides with an existing id.
var ErrDuplicate = errors.New("store: duplicate entity id")

// ErrorCode is the query-level error taxonomy surfaced in QueryResults.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeGeneral
	ErrCodeNotFound
	ErrCodeDuplicate
	ErrCodeConnect
	ErrCodeQuery
	ErrCodeExecute
	ErrCodePrepare
	ErrCodeBind
	ErrCodeTransaction
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "NONE"
	case ErrCodeGeneral:
		return "GENERAL"
	case ErrCodeNotFound:
		return "NOTFOUND"
	case ErrCodeDuplicate:
		return "DUPLICATE"
	case ErrCodeConnect:
		return "CONNECT"
	case ErrCodeQuery:
		return "QUERY"
	case ErrCodeExecute:
		return "EXECUTE"
	case ErrCodePrepare:
		return "PREPARE"
	case ErrCodeBind:
		return "BIND"
	case ErrCodeTransaction:
		return "TRANSACTION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// CodeOf maps a driver error to its taxonomy code.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrCodeNone
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrDuplicate):
		return ErrCodeDuplicate
	default:
		return ErrCodeGeneral
	}
}
