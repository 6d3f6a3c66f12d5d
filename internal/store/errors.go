package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/koustreak/querygate/internal/errs"
	sqlite3 "github.com/mattn/go-sqlite3"
)

func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if e, ok := errs.As(err); ok {
		return e
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.KindNotFound, msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindQueryTimeout, msg, err)
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindQueryCancelled, msg, err)
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrFull:
			return errs.Wrap(errs.KindStorageFull, "control-plane store is full", err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return errs.Wrap(errs.KindStorageCorrupted, "control-plane store is corrupted", err)
		case sqlite3.ErrConstraint:
			if sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return errs.Wrap(errs.KindConflict, "record already exists", err)
			}
		}
	}
	return errs.Internal(msg, err)
}
