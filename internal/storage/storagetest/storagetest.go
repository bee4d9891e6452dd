// Package storagetest holds the behavioral test suite every storage backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/storage"
)

// Base is the fixed reference time used by the suite.
var Base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Opener returns a fresh, empty store. Cleanup is the opener's job.
type Opener func(t *testing.T) storage.Store

// Listing builds a valid active sale listing in complex c-1.
func Listing(id string, price int64, lat, lng float64) *models.Listing {
	return &models.Listing{
		ID:            id,
		ComplexID:     "c-1",
		ComplexName:   "래미안",
		TradeType:     models.TradeSale,
		Price:         price,
		ExclusiveArea: 84.9,
		Floor:         "12/25",
		Description:   "남향 올수리",
		Latitude:      lat,
		Longitude:     lng,
		Status:        models.StatusActive,
		FirstSeen:     Base,
		LastSeen:      Base,
	}
}

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("ListingLifecycle", func(t *testing.T) { testListingLifecycle(t, open(t)) })
	t.Run("ScopeIsHalfOpen", func(t *testing.T) { testScopeIsHalfOpen(t, open(t)) })
	t.Run("PriceChangeAppendsHistory", func(t *testing.T) { testPriceChange(t, open(t)) })
	t.Run("SeedOnInsert", func(t *testing.T) { testSeedOnInsert(t, open(t)) })
	t.Run("InvalidInput", func(t *testing.T) { testInvalidInput(t, open(t)) })
	t.Run("MarkRemoved", func(t *testing.T) { testMarkRemoved(t, open(t)) })
	t.Run("ScoresAndBargains", func(t *testing.T) { testScores(t, open(t)) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, open(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, open(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, open(t)) })
}

func testListingLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	l := Listing("a-1", 500_000_000, 37.50, 127.03)
	require.NoError(t, s.InsertListing(ctx, l, nil))

	got, err := s.GetListing(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "래미안", got.ComplexName)
	assert.Equal(t, models.TradeSale, got.TradeType)
	assert.Equal(t, int64(500_000_000), got.Price)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, Base.UnixNano(), got.FirstSeen.UnixNano())
	assert.True(t, got.RemovedAt.IsZero())

	got.Description = "급매 남향"
	got.LastSeen = Base.Add(time.Hour)
	require.NoError(t, s.UpdateListing(ctx, got))

	require.NoError(t, s.TouchListing(ctx, "a-1", Base.Add(2*time.Hour)))
	got, err = s.GetListing(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "급매 남향", got.Description)
	assert.Equal(t, Base.Add(2*time.Hour).UnixNano(), got.LastSeen.UnixNano())

	_, err = s.GetListing(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.TouchListing(ctx, "missing", Base), storage.ErrNotFound)

	ghost := Listing("ghost", 1, 37.5, 127.0)
	assert.ErrorIs(t, s.UpdateListing(ctx, ghost), storage.ErrNotFound)
}

func testScopeIsHalfOpen(t *testing.T, s storage.Store) {
	ctx := context.Background()
	scope := models.Scope{
		Bounds:    models.Bounds{South: 37.50, West: 127.00, North: 37.52, East: 127.025},
		TradeType: models.TradeSale,
	}
	inside := Listing("in", 1_000, 37.50, 127.00)   // south-west corner included
	north := Listing("north", 1_000, 37.52, 127.01) // north edge belongs to the next tile
	east := Listing("east", 1_000, 37.51, 127.025)  // east edge belongs to the next tile
	lease := Listing("lease", 1_000, 37.51, 127.01) // other trade type
	lease.TradeType = models.TradeLease
	for _, l := range []*models.Listing{inside, north, east, lease} {
		require.NoError(t, s.InsertListing(ctx, l, nil))
	}

	got, err := s.ListActiveInScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "in", got[0].ID)
}

func testPriceChange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	l := Listing("a-1", 500_000_000, 37.5, 127.0)
	require.NoError(t, s.InsertListing(ctx, l, nil))

	l.Price = 480_000_000
	l.LastSeen = Base.Add(24 * time.Hour)
	prev := models.PriceHistoryEntry{
		ListingID:  "a-1",
		Price:      500_000_000,
		Source:     models.SourceCrawl,
		RecordedAt: Base.Add(24 * time.Hour),
	}
	require.NoError(t, s.ApplyPriceChange(ctx, l, prev))

	got, err := s.GetListing(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, int64(480_000_000), got.Price)

	hist, err := s.PriceHistory(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(500_000_000), hist[0].Price)
	assert.Equal(t, models.SourceCrawl, hist[0].Source)

	// a failed update must not leave a dangling history row
	ghost := Listing("ghost", 1, 37.5, 127.0)
	err = s.ApplyPriceChange(ctx, ghost, models.PriceHistoryEntry{ListingID: "ghost", Price: 2, Source: models.SourceCrawl, RecordedAt: Base})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	hist, err = s.PriceHistory(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, hist)

	require.NoError(t, s.AppendPriceHistory(ctx, models.PriceHistoryEntry{
		ListingID: "a-1", Price: 470_000_000, Source: models.SourceCrawl, RecordedAt: Base.Add(48 * time.Hour),
	}))
	hist, err = s.PriceHistory(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(470_000_000), hist[1].Price, "history must be oldest first")
}

func testSeedOnInsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	l := Listing("a-1", 500_000_000, 37.5, 127.0)
	seed := &models.PriceHistoryEntry{ListingID: "a-1", Price: 500_000_000, Source: models.SourceSeed, RecordedAt: Base}
	require.NoError(t, s.InsertListing(ctx, l, seed))

	hist, err := s.PriceHistory(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.SourceSeed, hist[0].Source)
}

func testInvalidInput(t *testing.T, s storage.Store) {
	ctx := context.Background()
	bad := Listing("", 1, 37.5, 127.0)
	assert.ErrorIs(t, s.InsertListing(ctx, bad, nil), storage.ErrInvalidInput)

	neg := Listing("n", -1, 37.5, 127.0)
	assert.ErrorIs(t, s.InsertListing(ctx, neg, nil), storage.ErrInvalidInput)

	require.NoError(t, s.InsertListing(ctx, Listing("ok", 1, 37.5, 127.0), nil))
	assert.ErrorIs(t, s.SaveScore(ctx, "ok", models.Score{Value: 120}), storage.ErrInvalidInput)

	_, err := s.InsertTransactions(ctx, []models.Transaction{{ComplexID: "c-1", TradeType: models.TradeSale}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func testMarkRemoved(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertListing(ctx, Listing("a", 1, 37.5, 127.0), nil))
	require.NoError(t, s.InsertListing(ctx, Listing("b", 1, 37.5, 127.0), nil))

	n, err := s.MarkRemoved(ctx, []string{"a", "missing"}, Base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.MarkRemoved(ctx, []string{"a"}, Base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "removal is one-way and idempotent")

	got, err := s.GetListing(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, got.Status)
	assert.Equal(t, Base.Add(time.Hour).UnixNano(), got.RemovedAt.UnixNano())

	n, err = s.MarkRemoved(ctx, nil, Base)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testScores(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, price := range []int64{400, 500, 600} {
		require.NoError(t, s.InsertListing(ctx, Listing(fmt.Sprintf("l-%d", i), price, 37.5, 127.0), nil))
	}
	scores := map[string]models.Score{
		"l-0": {Value: 72.5, Type: models.BargainBoth, IsBargain: true, Factors: models.Factors{PeerDiscount: 40, Keyword: "급매", WeightTable: "price_score"}},
		"l-1": {Value: 45, Type: models.BargainPrice, IsBargain: true},
		"l-2": {Value: 3, Type: models.BargainNone},
	}
	for id, sc := range scores {
		sc.ScoredAt = Base
		require.NoError(t, s.SaveScore(ctx, id, sc))
	}
	assert.ErrorIs(t, s.SaveScore(ctx, "missing", models.Score{Value: 1}), storage.ErrNotFound)

	bargains, err := s.ListBargains(ctx, 10)
	require.NoError(t, err)
	require.Len(t, bargains, 2)
	assert.Equal(t, "l-0", bargains[0].ID)
	assert.Equal(t, 72.5, bargains[0].BargainScore)
	assert.Equal(t, models.BargainBoth, bargains[0].BargainType)
	assert.Equal(t, "급매", bargains[0].Factors.Keyword)
	assert.Equal(t, 40.0, bargains[0].Factors.PeerDiscount)
	assert.Equal(t, Base.UnixNano(), bargains[0].ScoredAt.UnixNano())

	_, err = s.MarkRemoved(ctx, []string{"l-0"}, Base)
	require.NoError(t, err)
	bargains, err = s.ListBargains(ctx, 10)
	require.NoError(t, err)
	require.Len(t, bargains, 1)
	assert.Equal(t, "l-1", bargains[0].ID)

	bargains, err = s.ListBargains(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, bargains)
}

func testGroups(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := Listing("a", 1, 37.5, 127.0)
	b := Listing("b", 1, 37.5, 127.0)
	c := Listing("c", 1, 37.5, 127.0)
	c.ComplexID = "c-2"
	d := Listing("d", 1, 37.5, 127.0)
	d.TradeType = models.TradeLease
	for _, l := range []*models.Listing{a, b, c, d} {
		require.NoError(t, s.InsertListing(ctx, l, nil))
	}
	_, err := s.MarkRemoved(ctx, []string{"b"}, Base)
	require.NoError(t, err)

	got, err := s.ListActiveByGroup(ctx, models.GroupKey{ComplexID: "c-1", TradeType: models.TradeSale})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	keys, err := s.ListActiveGroups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.GroupKey{
		{ComplexID: "c-1", TradeType: models.TradeSale},
		{ComplexID: "c-1", TradeType: models.TradeLease},
		{ComplexID: "c-2", TradeType: models.TradeSale},
	}, keys)
}

func testTransactions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	txs := []models.Transaction{
		{ComplexID: "c-1", RegionCode: "11680", TradeType: models.TradeSale, ExclusiveArea: 84.9, Price: 520_000_000, Floor: 10, DealDate: Base.AddDate(0, -1, 0)},
		{ComplexID: "c-1", RegionCode: "11680", TradeType: models.TradeSale, ExclusiveArea: 84.9, Price: 510_000_000, Floor: 3, DealDate: Base.AddDate(0, -2, 0)},
		{ComplexID: "c-1", RegionCode: "11680", TradeType: models.TradeSale, ExclusiveArea: 84.9, Price: 450_000_000, Floor: 7, DealDate: Base.AddDate(-1, 0, 0)},
		{ComplexID: "c-1", RegionCode: "11680", TradeType: models.TradeLease, ExclusiveArea: 84.9, Price: 300_000_000, Floor: 7, DealDate: Base.AddDate(0, -1, 0)},
		{ComplexID: "c-1", RegionCode: "11680", TradeType: models.TradeRent, ExclusiveArea: 84.9, Price: 50_000_000, MonthlyRent: 1_800_000, Floor: 7, DealDate: Base.AddDate(0, -1, 0)},
		{ComplexID: "c-1", RegionCode: "11680", TradeType: models.TradeRent, ExclusiveArea: 84.9, Price: 50_000_000, MonthlyRent: 2_000_000, Floor: 7, DealDate: Base.AddDate(0, -1, 0)},
	}
	n, err := s.InsertTransactions(ctx, txs)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "same deposit with a different rent is a distinct deal")

	n, err = s.InsertTransactions(ctx, txs[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-import must be idempotent")

	got, err := s.RecentTransactions(ctx, "c-1", models.TradeSale, Base.AddDate(0, -6, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(520_000_000), got[0].Price, "newest first")
	assert.Equal(t, "11680", got[0].RegionCode)
	assert.Equal(t, 10, got[0].Floor)

	rents, err := s.RecentTransactions(ctx, "c-1", models.TradeRent, Base.AddDate(0, -6, 0))
	require.NoError(t, err)
	require.Len(t, rents, 2)
	assert.ElementsMatch(t, []int64{1_800_000, 2_000_000}, []int64{rents[0].MonthlyRent, rents[1].MonthlyRent})
}

func testRuns(t *testing.T, s storage.Store) {
	ctx := context.Background()
	r1 := &models.Run{ID: "run-1", Mode: models.ModeFull, Region: "seoul", Status: models.RunRunning, StartedAt: Base, TotalUnits: 30}
	require.NoError(t, s.CreateRun(ctx, r1))

	r1.Cursor = 12
	r1.TilesDone = 12
	r1.Upserted = 340
	r1.Status = models.RunFailed
	r1.LastError = "context canceled"
	r1.FinishedAt = Base.Add(time.Hour)
	require.NoError(t, s.UpdateRun(ctx, r1))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Cursor)
	assert.Equal(t, 340, got.Upserted)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, time.Hour, got.Duration())

	res, err := s.LatestResumableRun(ctx, "seoul")
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.ID)

	_, err = s.LatestResumableRun(ctx, "busan")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// a later completed run supersedes the interrupted one
	r2 := &models.Run{ID: "run-2", Mode: models.ModeFull, Region: "seoul", Status: models.RunSuccess,
		StartedAt: Base.Add(2 * time.Hour), TotalUnits: 30, Cursor: 30, ResumedFrom: "run-1"}
	require.NoError(t, s.CreateRun(ctx, r2))
	_, err = s.LatestResumableRun(ctx, "seoul")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// incremental runs never count as resumable
	r3 := &models.Run{ID: "run-3", Mode: models.ModeIncremental, Region: "seoul", Status: models.RunFailed,
		StartedAt: Base.Add(3 * time.Hour), TotalUnits: 30, Cursor: 2}
	require.NoError(t, s.CreateRun(ctx, r3))
	_, err = s.LatestResumableRun(ctx, "seoul")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ResumedFrom)

	assert.ErrorIs(t, s.UpdateRun(ctx, &models.Run{ID: "nope", StartedAt: Base}), storage.ErrNotFound)
	assert.ErrorIs(t, s.CreateRun(ctx, &models.Run{}), storage.ErrInvalidInput)
}
