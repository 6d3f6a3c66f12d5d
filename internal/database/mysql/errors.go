package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
)

// MySQL error numbers that get a dedicated kind.
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errDBAccessDenied      = 1044
	errAccessDenied        = 1045
	errUnknownDatabase     = 1049
	errParseError          = 1064
	errTableAccessDenied   = 1142
	errColumnAccessDenied  = 1143
	errSpecificAccessDeny  = 1227
	errQueryInterrupted    = 1317
	errReadOnlyTransaction = 1792
	errExecutionTimeout    = 3024
)

// mapError translates go-sql-driver errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		detailed := fmt.Sprintf("%s: %s", msg, myErr.Message)
		details := map[string]any{"error": myErr.Message, "errno": myErr.Number}

		switch myErr.Number {
		case errAccessDenied:
			return errs.Wrap(errs.KindAuthenticationFailed, "authentication failed", err)
		case errUnknownDatabase:
			return errs.Wrap(errs.KindDatabaseNotFound, detailed, err)
		case errDBAccessDenied, errTableAccessDenied, errColumnAccessDenied, errSpecificAccessDeny:
			return errs.Wrap(errs.KindPermissionDenied, detailed, err).WithDetails(details)
		case errParseError:
			return errs.Wrap(errs.KindSyntaxError, detailed, err).WithDetails(details)
		case errQueryInterrupted, errExecutionTimeout:
			return errs.Wrap(errs.KindQueryTimeout, detailed, err)
		case errReadOnlyTransaction:
			return errs.Wrap(errs.KindInvalidStatement, "write operations are not permitted", err)
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
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, gomysql.ErrInvalidConn):
		return errs.Wrap(errs.KindConnectionFailed, msg, err)
	}

	return errs.Internal(msg, err)
}
