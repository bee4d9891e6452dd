// Package storage defines the persistence contracts used by the differ,
// scorer, and ledger, plus the embedded SQLite backend.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/geupmae/internal/models"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when an entity fails validation before a write.
	ErrInvalidInput = errors.New("invalid input")
)

// ListingStore persists listing state.
type ListingStore interface {
	// ListActiveInScope returns active listings of the scope's trade type whose
	// coordinates fall inside the scope's half-open bounds.
	ListActiveInScope(ctx context.Context, scope models.Scope) ([]*models.Listing, error)
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	// InsertListing creates a listing, appending seed to its history in the
	// same transaction when seed is non-nil.
	InsertListing(ctx context.Context, l *models.Listing, seed *models.PriceHistoryEntry) error
	// UpdateListing rewrites observable fields and last_seen. Score fields are untouched.
	UpdateListing(ctx context.Context, l *models.Listing) error
	TouchListing(ctx context.Context, id string, seen time.Time) error
	// ApplyPriceChange updates the listing and appends prev to its history atomically.
	ApplyPriceChange(ctx context.Context, l *models.Listing, prev models.PriceHistoryEntry) error
	// MarkRemoved flips active listings to removed. Already removed ids are ignored.
	MarkRemoved(ctx context.Context, ids []string, at time.Time) (int, error)
	ListActiveByGroup(ctx context.Context, key models.GroupKey) ([]*models.Listing, error)
	ListActiveGroups(ctx context.Context) ([]models.GroupKey, error)
	SaveScore(ctx context.Context, id string, score models.Score) error
	// ListBargains returns active bargain listings, highest score first.
	ListBargains(ctx context.Context, limit int) ([]*models.Listing, error)
}

// HistoryStore reads and appends superseded prices.
type HistoryStore interface {
	AppendPriceHistory(ctx context.Context, e models.PriceHistoryEntry) error
	// PriceHistory returns entries oldest first.
	PriceHistory(ctx context.Context, listingID string) ([]models.PriceHistoryEntry, error)
}

// TransactionStore holds imported real-transaction records.
type TransactionStore interface {
	// InsertTransactions stores records, ignoring exact duplicates, and returns
	// the number of new rows.
	InsertTransactions(ctx context.Context, txs []models.Transaction) (int, error)
	// RecentTransactions returns records for the complex and trade type dealt
	// on or after since, newest first.
	RecentTransactions(ctx context.Context, complexID string, tt models.TradeType, since time.Time) ([]models.Transaction, error)
}

// RunStore persists run ledger rows.
type RunStore interface {
	CreateRun(ctx context.Context, r *models.Run) error
	UpdateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// LatestResumableRun returns the newest full run for the region that
	// stopped before its last unit, or ErrNotFound.
	LatestResumableRun(ctx context.Context, region string) (*models.Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
}

// Store is the full persistence surface of one backend.
type Store interface {
	ListingStore
	HistoryStore
	TransactionStore
	RunStore
	Close() error
}

// Nanos converts t to Unix nanoseconds, mapping the zero time to 0.
func Nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromNanos is the inverse of Nanos.
func FromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
