package database

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/koustreak/querygate/internal/errs"
)

// URLInfo is what a connection URL reveals about its target.
type URLInfo struct {
	DBType   DBType
	Host     string
	Port     *int
	Database string
}

var schemeTypes = map[string]DBType{
	"postgres":   PostgreSQL,
	"postgresql": PostgreSQL,
	"mysql":      MySQL,
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
}

var defaultPorts = map[DBType]int{
	PostgreSQL: 5432,
	MySQL:      3306,
}

// ParseURL derives the dbType, host, port and database name from a
// connection URL. Driver suffixes in the scheme ("postgresql+asyncpg") are
// ignored. Errors are VALIDATION_ERROR.
func ParseURL(raw string) (*URLInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.New(errs.KindValidation, "url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.New(errs.KindValidation, "url is not parseable")
	}

	scheme, _, _ := strings.Cut(strings.ToLower(u.Scheme), "+")
	dbType, ok := schemeTypes[scheme]
	if !ok {
		return nil, errs.Newf(errs.KindValidation, "unsupported url scheme %q", u.Scheme).
			WithDetails(map[string]any{"supported": []string{"postgresql", "mysql", "sqlite"}})
	}

	if dbType == SQLite {
		path, err := SQLitePath(raw)
		if err != nil {
			return nil, err
		}
		return &URLInfo{DBType: SQLite, Database: path}, nil
	}

	info := &URLInfo{
		DBType:   dbType,
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if info.Host == "" {
		return nil, errs.New(errs.KindValidation, "url has no host")
	}
	if info.Database == "" {
		return nil, errs.New(errs.KindValidation, "url has no database name")
	}

	port := defaultPorts[dbType]
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, errs.Newf(errs.KindValidation, "invalid port %q", p)
		}
		port = n
	}
	info.Port = &port

	return info, nil
}

// SQLitePath extracts the database file path from sqlite:///abs/path
// (or the four-slash sqlite:////abs/path form), sqlite://relative/path or
// sqlite:relative/path.
func SQLitePath(raw string) (string, error) {
	rest := raw
	if i := strings.Index(raw, ":"); i >= 0 {
		rest = raw[i+1:]
	}
	rest, _, _ = strings.Cut(rest, "?")

	var path string
	switch {
	case strings.HasPrefix(rest, "////"):
		path = rest[3:]
	case strings.HasPrefix(rest, "///"):
		path = rest[2:]
	case strings.HasPrefix(rest, "//"):
		path = rest[2:]
	default:
		path = rest
	}

	if path == "" || path == "/" {
		return "", errs.New(errs.KindValidation, "sqlite url has no file path")
	}
	if strings.Contains(path, ":memory:") {
		return "", errs.New(errs.KindValidation, "in-memory sqlite databases cannot be registered")
	}
	return path, nil
}

// StripDriverSuffix removes a "+driver" qualifier from the URL scheme so
// "postgresql+asyncpg://..." can be handed to a native driver.
func StripDriverSuffix(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	base, _, _ := strings.Cut(scheme, "+")
	return base + "://" + rest
}
