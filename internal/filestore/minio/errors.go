package minio

import (
	"context"
	"errors"
	"net/http"

	"github.com/koustreak/querygate/internal/errs"
	miniogo "github.com/minio/minio-go/v7"
)

// mapError translates a MinIO SDK error into a *errs.Error.
// It mirrors the mapError pattern used in the database adapters.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindQueryTimeout, msg, err)
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindQueryCancelled, msg, err)
	}

	var resp miniogo.ErrorResponse
	if errors.As(err, &resp) {
		// S3 error codes are more precise than the status, check them first
		switch resp.Code {
		case "NoSuchBucket", "NoSuchKey", "NoSuchUpload":
			return errs.Wrap(errs.KindNotFound, msg, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errs.Wrap(errs.KindPermissionDenied, msg, err)
		case "InvalidBucketName", "InvalidObjectName", "KeyTooLongError":
			return errs.Wrap(errs.KindValidation, msg, err)
		case "RequestTimeout", "SlowDown":
			return errs.Wrap(errs.KindQueryTimeout, msg, err)
		case "XMinioStorageFull", "EntityTooLarge":
			return errs.Wrap(errs.KindStorageFull, msg, err)
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return errs.Wrap(errs.KindNotFound, msg, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return errs.Wrap(errs.KindPermissionDenied, msg, err)
		case http.StatusBadRequest:
			return errs.Wrap(errs.KindValidation, msg, err)
		}
	}

	// Anything else is a transport failure.
	return errs.Wrap(errs.KindConnectionFailed, msg, err)
}
