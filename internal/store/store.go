// Package store defines the durable persistence boundary for the broker.
// The core reads and writes records through this interface and assumes
// last-writer-wins semantics; it does not implement a storage engine.
package store

import (
	"context"
	"time"

	"github.com/blueberrycongee/credmux/internal/credential"
)

// BanRecord tracks an active or historical ban for a borrower. A record
// whose Until instant has passed is inert and is deleted lazily on read.
type BanRecord struct {
	BorrowerID string    `json:"borrower_id"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason"`
	Offenses   int       `json:"offenses"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Sample is a single borrow event used for trailing-average abuse
// detection. The borrower id is implied by the key it is stored under.
type Sample struct {
	At time.Time `json:"at"`
}

// Store is the durable record store consumed by the pool, the sharing
// broker, and the abuse guard. Lookups return (nil, nil) when the record
// does not exist.
type Store interface {
	GetCredential(ctx context.Context, id string) (*credential.Credential, error)
	ListCredentials(ctx context.Context) ([]*credential.Credential, error)
	UpsertCredential(ctx context.Context, cred *credential.Credential) error
	DeleteCredential(ctx context.Context, id string) error

	GetBan(ctx context.Context, borrowerID string) (*BanRecord, error)
	UpsertBan(ctx context.Context, ban *BanRecord) error
	DeleteBan(ctx context.Context, borrowerID string) error

	ListBlacklist(ctx context.Context, credID string) ([]string, error)
	IsBlacklisted(ctx context.Context, credID, borrowerID string) (bool, error)
	AddBlacklist(ctx context.Context, credID, borrowerID string) error
	RemoveBlacklist(ctx context.Context, credID, borrowerID string) error

	ListSamples(ctx context.Context, borrowerID string) ([]Sample, error)
	PutSamples(ctx context.Context, borrowerID string, samples []Sample) error

	Ping(ctx context.Context) error
	Close() error
}
