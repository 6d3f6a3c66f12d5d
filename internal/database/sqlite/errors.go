package sqlite

import (
	"context"
	"errors"
	"strings"

	"github.com/koustreak/querygate/internal/errs"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// mapError translates go-sqlite3 errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		details := map[string]any{"error": sqErr.Error(), "code": int(sqErr.Code)}

		switch sqErr.Code {
		case sqlite3.ErrAuth:
			return errs.Wrap(errs.KindAuthenticationFailed, "authentication failed", err)
		case sqlite3.ErrPerm:
			return errs.Wrap(errs.KindPermissionDenied, msg, err).WithDetails(details)
		case sqlite3.ErrReadonly:
			return errs.Wrap(errs.KindInvalidStatement, "write operations are not permitted", err)
		case sqlite3.ErrCantOpen:
			return errs.Wrap(errs.KindDatabaseNotFound, msg, err)
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return errs.Wrap(errs.KindConnectionFailed, "file is not a readable sqlite database", err)
		case sqlite3.ErrInterrupt:
			return errs.Wrap(errs.KindQueryCancelled, msg, err)
		case sqlite3.ErrError:
			if strings.Contains(sqErr.Error(), "syntax error") {
				return errs.Wrap(errs.KindSyntaxError, msg+": "+sqErr.Error(), err).WithDetails(details)
			}
			if strings.Contains(sqErr.Error(), "attempt to write") {
				return errs.Wrap(errs.KindInvalidStatement, "write operations are not permitted", err)
			}
		}
		return errs.Wrap(errs.KindInternal, msg+": "+sqErr.Error(), err).WithDetails(details)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindQueryTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.KindQueryCancelled, msg, err)
	}
	return errs.Internal(msg, err)
}
