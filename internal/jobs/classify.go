package jobs

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
)

// Retryable decides requeue-vs-fail for one attempt's error. Pipeline
// errors carry their own verdict through the sentinel classes; database
// errors are classified by SQLSTATE. Everything unknown is retryable,
// matching the pipeline's own default.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	// The per-job deadline is the one context error that must not
	// retry: a document that blew the soft limit once will blow it
	// again.
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}
	return deid.IsRetryable(err)
}

// retryableSQLState follows the usual partition: connection trouble,
// serialization conflicts, and resource exhaustion retry; constraint
// and data errors do not.
func retryableSQLState(code string) bool {
	switch code {
	case "40001", "40P01": // serialization failure, deadlock
		return true
	case "57P01", "57P02", "57P03": // admin shutdown, crash shutdown, cannot connect
		return true
	}
	if len(code) >= 2 {
		switch code[:2] {
		case "08": // connection exceptions
			return true
		case "53": // insufficient resources
			return true
		case "23", "22", "42": // constraint, data, syntax
			return false
		}
	}
	return false
}
