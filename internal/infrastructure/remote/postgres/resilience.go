package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/resilience"
)

func classifyPostgresError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
	if errors.Is(err, sql.ErrNoRows) || domain.IsKind(err, domain.ErrDocumentNotFound) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return resilience.ErrorClassification{
			Retryable:     retryableSQLState(pgErr.Code),
			RecordFailure: !strings.HasPrefix(pgErr.Code, "23"),
		}
	}

	var netErr net.Error
	if pgconn.SafeToRetry(err) || errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

// Connection exceptions, serialization failures, deadlocks and server
// shutdowns are transient. Constraint violations (class 23) are the caller's.
func retryableSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"):
		return true
	case code == "40001", code == "40P01", code == "57P01", code == "57P03":
		return true
	default:
		return false
	}
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyPostgresError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
