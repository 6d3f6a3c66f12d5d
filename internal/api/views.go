package api

import (
	"time"

	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/nl2sql"
	"github.com/koustreak/querygate/internal/query"
	"github.com/koustreak/querygate/internal/store"
)

// connectionView is the outward shape of a connection. It never carries the URL.
type connectionView struct {
	Name      string          `json:"name"`
	DBType    database.DBType `json:"dbType"`
	Host      *string         `json:"host,omitempty"`
	Port      *int            `json:"port,omitempty"`
	Database  string          `json:"database"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func newConnectionView(c *store.Connection) connectionView {
	return connectionView{
		Name:      c.Name,
		DBType:    c.DBType,
		Host:      c.Host,
		Port:      c.Port,
		Database:  c.Database,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type connectionList struct {
	Databases []connectionView `json:"databases"`
	Total     int              `json:"total"`
}

type upsertRequest struct {
	URL string `json:"url"`
}

type naturalRequest struct {
	Prompt  string `json:"prompt"`
	Execute *bool  `json:"execute,omitempty"`
}

type naturalResponse struct {
	*nl2sql.Generation
	Result *query.Result `json:"result,omitempty"`
}
