package etl

import (
	"context"
	"net/url"

	"github.com/BartekS5/possync/pkg/models"
)

// PageFetcher performs one authenticated GET against the source API.
type PageFetcher interface {
	GetPage(ctx context.Context, token, fullURL string, query url.Values) ([]byte, error)
}

// TokenSource hands out bearer tokens and the API base URL to use with them.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
	BaseURL() string
}

// Loader is the destination contract: upsert by primary key, delete by
// primary key. Implementations never create or alter tables.
type Loader interface {
	Upsert(ctx context.Context, table string, primaryKey []string, records []models.Record) error
	Delete(ctx context.Context, table string, primaryKey []string, keys []models.PrimaryKey) error
	Close(ctx context.Context) error
}

// Syncer runs one sync invocation of the protocol.
type Syncer interface {
	Sync(ctx context.Context, req models.SyncRequest) *models.SyncResponse
}

// StateStore persists the protocol state between local runs.
type StateStore interface {
	Load(ctx context.Context) (models.State, error)
	Save(ctx context.Context, state models.State) error
}
