// Package connection manages connection records: naming rules, URL parsing,
// optional connectivity checks, and keeping adapters, cached metadata and
// arbiters consistent when a record changes or disappears.
package connection

import (
	"context"
	"regexp"
	"strings"

	"github.com/koustreak/querygate/internal/arbiter"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
	"github.com/koustreak/querygate/internal/store"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidateName rejects names that cannot be used as a connection handle.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errs.New(errs.KindValidation, "connection name must be 1-100 characters of letters, digits, '_' or '-'").
			WithDetails(map[string]any{"name": name})
	}
	return nil
}

// Store is the slice of the control-plane store the service needs.
type Store interface {
	ListConnections(ctx context.Context) ([]*store.Connection, error)
	GetConnection(ctx context.Context, name string) (*store.Connection, error)
	UpsertConnection(ctx context.Context, c *store.Connection) (stored, previous *store.Connection, err error)
	DeleteConnection(ctx context.Context, name string) error
	DeleteCache(ctx context.Context, connectionID int64) error
}

// Opener opens a throwaway adapter for connectivity checks.
type Opener interface {
	Open(ctx context.Context, t database.DBType, url string) (database.Adapter, error)
}

// Evictor drops pooled adapters of a connection.
type Evictor interface {
	Evict(name string)
}

// Config tunes a Service.
type Config struct {
	// VerifyOnUpsert connects to the database before saving the record.
	VerifyOnUpsert bool
}

type Service struct {
	store   Store
	opener  Opener
	evictor Evictor
	locks   *arbiter.Registry
	verify  bool
	log     *logger.Logger
}

func NewService(st Store, opener Opener, evictor Evictor, locks *arbiter.Registry, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:   st,
		opener:  opener,
		evictor: evictor,
		locks:   locks,
		verify:  cfg.VerifyOnUpsert,
		log:     log.Component("connections"),
	}
}

// List returns every connection sorted by name.
func (s *Service) List(ctx context.Context) ([]*store.Connection, error) {
	return s.store.ListConnections(ctx)
}

// Get returns the connection called name or NOT_FOUND. A name that could
// never have been stored is simply not found.
func (s *Service) Get(ctx context.Context, name string) (*store.Connection, error) {
	if err := ValidateName(name); err != nil {
		return nil, notFound(name)
	}
	return s.store.GetConnection(ctx, name)
}

func notFound(name string) error {
	return errs.Newf(errs.KindNotFound, "connection %q not found", name)
}

// Upsert creates or replaces the connection called name. created reports
// whether the record is new.
//
// When the URL or engine of an existing record changes, the record is
// rewritten under the connection's refresh lock: in-flight queries and
// refreshes against the old target finish first, then the pooled adapter
// is evicted and the cached metadata dropped.
func (s *Service) Upsert(ctx context.Context, name, rawURL string) (conn *store.Connection, created bool, err error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, false, errs.New(errs.KindValidation, "url is required")
	}

	info, err := database.ParseURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	if s.verify {
		if err := s.check(ctx, info.DBType, rawURL); err != nil {
			return nil, false, err
		}
	}

	c := &store.Connection{
		Name:     name,
		DBType:   info.DBType,
		URL:      rawURL,
		Port:     info.Port,
		Database: info.Database,
	}
	if info.Host != "" {
		host := info.Host
		c.Host = &host
	}

	current, err := s.store.GetConnection(ctx, name)
	switch {
	case errs.IsNotFound(err):
		current = nil
	case err != nil:
		return nil, false, err
	}
	if current != nil && targetChanged(current, c) {
		release, err := s.locks.For(name).BeginRefresh(ctx)
		if err != nil {
			return nil, false, err
		}
		defer release()
	}

	stored, previous, err := s.store.UpsertConnection(ctx, c)
	if err != nil {
		return nil, false, err
	}

	if previous != nil && targetChanged(previous, stored) {
		s.evictor.Evict(name)
		if err := s.store.DeleteCache(ctx, stored.ID); err != nil {
			return nil, false, err
		}
		s.log.Info().Str("connection", name).Str("db_type", string(stored.DBType)).Msg("connection target changed, metadata cache dropped")
	}

	s.log.Info().
		Str("connection", name).
		Str("db_type", string(stored.DBType)).
		Bool("created", previous == nil).
		Msg("connection saved")
	return stored, previous == nil, nil
}

func targetChanged(a, b *store.Connection) bool {
	return a.URL != b.URL || a.DBType != b.DBType
}

// check opens the database once and asks it to answer.
func (s *Service) check(ctx context.Context, t database.DBType, url string) error {
	a, err := s.opener.Open(ctx, t, url)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if !a.TestConnection(ctx) {
		return errs.New(errs.KindConnectionFailed, "database did not answer the connectivity check")
	}
	return nil
}

// Delete removes the connection and its cached metadata, closes its pooled
// adapter and forgets its arbiter. It waits for in-flight queries and
// refreshes of the connection to finish.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return notFound(name)
	}
	if _, err := s.store.GetConnection(ctx, name); err != nil {
		return err
	}

	release, err := s.locks.For(name).BeginRefresh(ctx)
	if err != nil {
		return err
	}
	err = s.store.DeleteConnection(ctx, name)
	if err == nil {
		s.evictor.Evict(name)
	}
	release()
	s.locks.Forget(name)
	if err != nil {
		return err
	}

	s.log.Info().Str("connection", name).Msg("connection deleted")
	return nil
}
