package filestore

import (
	"strings"

	"github.com/koustreak/querygate/internal/errs"
)

// Provider identifies the file storage backend.
type Provider string

const (
	ProviderMinIO Provider = "minio"
)

// Config holds all settings needed to connect to a file storage backend.
type Config struct {
	// Provider is the storage backend (e.g. ProviderMinIO).
	Provider Provider

	// Endpoint is the host:port of the storage server.
	// Example: "localhost:9000" for local MinIO.
	Endpoint string

	AccessKey string
	SecretKey string

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool

	// Region is used by region-aware backends (e.g. AWS S3).
	// Leave empty for MinIO.
	Region string

	// Bucket receives every object written through the Store.
	Bucket string
}

// DefaultConfig returns a local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey, bucket string) *Config {
	return &Config{
		Provider:  ProviderMinIO,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
	}
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errs.New(errs.KindValidation, "archive endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errs.New(errs.KindValidation, "archive bucket is required")
	}
	if c.Provider != "" && c.Provider != ProviderMinIO {
		return errs.Newf(errs.KindValidation, "unsupported archive provider %q", c.Provider)
	}
	return nil
}
