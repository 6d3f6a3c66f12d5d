package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
)

// PostgreSQL SQLSTATE codes that get a dedicated kind.
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgInvalidPassword        = "28P01"
	pgInvalidAuthorization   = "28000"
	pgInvalidCatalogName     = "3D000"
	pgInsufficientPrivilege  = "42501"
	pgSyntaxError            = "42601"
	pgQueryCanceled          = "57014"
	pgReadOnlySQLTransaction = "25006"
)

// mapError translates pgx / pgconn native errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		detailed := fmt.Sprintf("%s: %s", msg, pgErr.Message)
		details := map[string]any{"error": pgErr.Message, "sqlState": pgErr.Code}

		switch pgErr.Code {
		case pgInvalidPassword, pgInvalidAuthorization:
			return errs.Wrap(errs.KindAuthenticationFailed, "authentication failed", err)
		case pgInvalidCatalogName:
			return errs.Wrap(errs.KindDatabaseNotFound, detailed, err)
		case pgInsufficientPrivilege:
			return errs.Wrap(errs.KindPermissionDenied, detailed, err).WithDetails(details)
		case pgSyntaxError:
			return errs.Wrap(errs.KindSyntaxError, detailed, err).WithDetails(details)
		case pgQueryCanceled:
			return errs.Wrap(errs.KindQueryTimeout, detailed, err)
		case pgReadOnlySQLTransaction:
			return errs.Wrap(errs.KindInvalidStatement, "write operations are not permitted", err)
		}
		// Class 08: connection exceptions
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return errs.Wrap(errs.KindConnectionFailed, detailed, err)
		}
		return errs.Wrap(errs.KindInternal, detailed, err).WithDetails(details)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindQueryTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.KindQueryCancelled, msg, err)
	case database.IsNetworkError(err):
		return errs.Wrap(errs.KindNetworkUnreachable, msg, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.Wrap(errs.KindConnectionFailed, msg, err)
	}

	return errs.Internal(msg, err)
}
