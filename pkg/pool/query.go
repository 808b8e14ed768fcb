package pool

import (
	"time"

	"github.com/voidheim/dbgate/pkg/store"
)

// QueryResult is the outcome of a pool query, returned by value. Failures
// carry an error code from the query-level taxonomy and a message; they are
// never raised as panics.
type QueryResult struct {
	Success      bool
	ErrorCode    store.ErrorCode
	ErrorMessage string
	AffectedRows int64
	LastInsertID uint64
	Duration     time.Duration
	Columns      []string
	Rows         [][]string
}

func success(res *store.Result) QueryResult {
	return QueryResult{
		Success:      true,
		AffectedRows: res.AffectedRows,
		LastInsertID: res.LastInsertID,
		Columns:      res.Columns,
		Rows:         res.Rows,
	}
}

func failure(code store.ErrorCode, msg string) QueryResult {
	return QueryResult{Success: false, ErrorCode: code, ErrorMessage: msg}
}

// failureFromErr maps a driver error to the taxonomy. NotFound/Duplicate
// keep their dedicated codes; everything else from the execution path is an
// EXECUTE error.
func failureFromErr(q store.Query, err error) QueryResult {
	code := store.CodeOf(err)
	if code == store.ErrCodeGeneral {
		if q.Type == store.QueryCustom {
			code = store.ErrCodeQuery
		} else {
			code = store.ErrCodeExecute
		}
	}
	return failure(code, err.Error())
}
