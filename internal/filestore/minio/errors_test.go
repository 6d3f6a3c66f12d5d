package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/filestore"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"deadline", context.DeadlineExceeded, errs.KindQueryTimeout},
		{"cancelled", fmt.Errorf("put: %w", context.Canceled), errs.KindQueryCancelled},
		{"no such key", miniogo.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, errs.KindNotFound},
		{"bare 404", miniogo.ErrorResponse{StatusCode: http.StatusNotFound}, errs.KindNotFound},
		{"access denied", miniogo.ErrorResponse{Code: "AccessDenied"}, errs.KindPermissionDenied},
		{"unauthorized", miniogo.ErrorResponse{StatusCode: http.StatusUnauthorized}, errs.KindPermissionDenied},
		{"bad bucket", miniogo.ErrorResponse{Code: "InvalidBucketName", StatusCode: http.StatusBadRequest}, errs.KindValidation},
		{"slow down", miniogo.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, errs.KindQueryTimeout},
		{"full", miniogo.ErrorResponse{Code: "XMinioStorageFull", StatusCode: http.StatusInsufficientStorage}, errs.KindStorageFull},
		{"transport", errors.New("dial tcp: connection refused"), errs.KindConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, "op")
			assert.Equal(t, tt.want, got.Kind)
			assert.NotNil(t, got.Cause)
		})
	}

	assert.Nil(t, mapError(nil, "op"))
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := New(context.Background(), &filestore.Config{Endpoint: "localhost:9000"})
	assert.True(t, errs.IsValidation(err))

	_, err = New(context.Background(), &filestore.Config{Bucket: "b"})
	assert.True(t, errs.IsValidation(err))
}

var _ filestore.Store = (*Driver)(nil)
