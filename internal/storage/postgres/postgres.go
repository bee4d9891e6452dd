// Package postgres implements storage.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/storage"
)

//go:embed schema.sql
var schema string

// Store is a storage.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New connects to dsn, verifies the connection, and applies the schema.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Truncate empties every table. Used by tests sharing one database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE listings, price_history, transactions, runs RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) ListActiveInScope(ctx context.Context, scope models.Scope) ([]*models.Listing, error) {
	b := scope.Bounds
	return s.queryListings(ctx, `
		SELECT `+storage.ListingCols+` FROM listings
		WHERE status = $1 AND trade_type = $2
		  AND latitude >= $3 AND latitude < $4 AND longitude >= $5 AND longitude < $6
		ORDER BY id`,
		string(models.StatusActive), string(scope.TradeType), b.South, b.North, b.West, b.East)
}

func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+storage.ListingCols+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (s *Store) InsertListing(ctx context.Context, l *models.Listing, seed *models.PriceHistoryEntry) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: listing: %v", storage.ErrInvalidInput, err)
	}
	factors, err := json.Marshal(l.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO listings (`+storage.ListingCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		l.ID, l.ComplexID, l.ComplexName, string(l.TradeType), l.Price, l.MonthlyRent, l.ExclusiveArea,
		l.Floor, l.Direction, l.Description, l.Latitude, l.Longitude, l.ImageURL, l.Realtor, string(l.Status),
		l.IsBargain, l.BargainScore, string(l.BargainType), factors, storage.Nanos(l.ScoredAt),
		storage.Nanos(l.FirstSeen), storage.Nanos(l.LastSeen), storage.Nanos(l.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	if seed != nil {
		if err := appendHistory(ctx, tx, *seed); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateListing(ctx context.Context, l *models.Listing) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: listing: %v", storage.ErrInvalidInput, err)
	}
	return updateListing(ctx, s.pool, l)
}

func updateListing(ctx context.Context, db execer, l *models.Listing) error {
	tag, err := db.Exec(ctx, `
		UPDATE listings SET
			complex_id=$1, complex_name=$2, trade_type=$3, price=$4, monthly_rent=$5, exclusive_area=$6,
			floor=$7, direction=$8, description=$9, latitude=$10, longitude=$11, image_url=$12, realtor=$13,
			last_seen=$14
		WHERE id=$15`,
		l.ComplexID, l.ComplexName, string(l.TradeType), l.Price, l.MonthlyRent, l.ExclusiveArea,
		l.Floor, l.Direction, l.Description, l.Latitude, l.Longitude, l.ImageURL, l.Realtor,
		storage.Nanos(l.LastSeen), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) TouchListing(ctx context.Context, id string, seen time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE listings SET last_seen = $1 WHERE id = $2`, storage.Nanos(seen), id)
	if err != nil {
		return fmt.Errorf("touch listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ApplyPriceChange(ctx context.Context, l *models.Listing, prev models.PriceHistoryEntry) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: listing: %v", storage.ErrInvalidInput, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := updateListing(ctx, tx, l); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, prev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkRemoved(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET status = $1, removed_at = $2, is_bargain = FALSE
		WHERE id = ANY($3) AND status = $4`,
		string(models.StatusRemoved), storage.Nanos(at), ids, string(models.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("mark listings removed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListActiveByGroup(ctx context.Context, key models.GroupKey) ([]*models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+storage.ListingCols+` FROM listings
		WHERE complex_id = $1 AND trade_type = $2 AND status = $3
		ORDER BY id`,
		key.ComplexID, string(key.TradeType), string(models.StatusActive))
}

func (s *Store) ListActiveGroups(ctx context.Context) ([]models.GroupKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT complex_id, trade_type FROM listings
		WHERE status = $1 ORDER BY complex_id, trade_type`, string(models.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()
	var keys []models.GroupKey
	for rows.Next() {
		var complexID, tradeType string
		if err := rows.Scan(&complexID, &tradeType); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		keys = append(keys, models.GroupKey{ComplexID: complexID, TradeType: models.TradeType(tradeType)})
	}
	return keys, rows.Err()
}

func (s *Store) SaveScore(ctx context.Context, id string, score models.Score) error {
	if score.Value < 0 || score.Value > 100 {
		return fmt.Errorf("%w: score %.2f out of range", storage.ErrInvalidInput, score.Value)
	}
	factors, err := json.Marshal(score.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET is_bargain=$1, bargain_score=$2, bargain_type=$3, factors=$4, scored_at=$5
		WHERE id=$6`,
		score.IsBargain, score.Value, string(score.Type), factors, storage.Nanos(score.ScoredAt), id)
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListBargains(ctx context.Context, limit int) ([]*models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+storage.ListingCols+` FROM listings
		WHERE status = $1 AND is_bargain
		ORDER BY bargain_score DESC, id LIMIT $2`,
		string(models.StatusActive), limit)
}

func (s *Store) queryListings(ctx context.Context, query string, args ...any) ([]*models.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()
	listings := []*models.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *Store) AppendPriceHistory(ctx context.Context, e models.PriceHistoryEntry) error {
	return appendHistory(ctx, s.pool, e)
}

func appendHistory(ctx context.Context, db execer, e models.PriceHistoryEntry) error {
	if e.ListingID == "" || e.Price < 0 {
		return fmt.Errorf("%w: price history entry", storage.ErrInvalidInput)
	}
	_, err := db.Exec(ctx, `
		INSERT INTO price_history (listing_id, price, monthly_rent, source, recorded_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ListingID, e.Price, e.MonthlyRent, e.Source, storage.Nanos(e.RecordedAt))
	if err != nil {
		return fmt.Errorf("append price history: %w", err)
	}
	return nil
}

func (s *Store) PriceHistory(ctx context.Context, listingID string) ([]models.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, listing_id, price, monthly_rent, source, recorded_at
		FROM price_history WHERE listing_id = $1
		ORDER BY recorded_at, id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()
	var entries []models.PriceHistoryEntry
	for rows.Next() {
		var e models.PriceHistoryEntry
		var recordedAt int64
		if err := rows.Scan(&e.ID, &e.ListingID, &e.Price, &e.MonthlyRent, &e.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		e.RecordedAt = storage.FromNanos(recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) InsertTransactions(ctx context.Context, txs []models.Transaction) (int, error) {
	for i := range txs {
		if err := txs[i].Validate(); err != nil {
			return 0, fmt.Errorf("%w: transaction %d: %v", storage.ErrInvalidInput, i, err)
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(`
			INSERT INTO transactions
				(complex_id, region_code, trade_type, exclusive_area, price, monthly_rent, floor, deal_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT DO NOTHING`,
			t.ComplexID, t.RegionCode, string(t.TradeType), t.ExclusiveArea, t.Price, t.MonthlyRent, t.Floor, storage.Nanos(t.DealDate))
	}
	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range txs {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("insert transaction: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transactions: %w", err)
	}
	return inserted, nil
}

func (s *Store) RecentTransactions(ctx context.Context, complexID string, tt models.TradeType, since time.Time) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT complex_id, region_code, trade_type, exclusive_area, price, monthly_rent, floor, deal_date
		FROM transactions
		WHERE complex_id = $1 AND trade_type = $2 AND deal_date >= $3
		ORDER BY deal_date DESC, id DESC`,
		complexID, string(tt), storage.Nanos(since))
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var tradeType string
		var dealDate int64
		if err := rows.Scan(&t.ComplexID, &t.RegionCode, &tradeType, &t.ExclusiveArea, &t.Price, &t.MonthlyRent, &t.Floor, &dealDate); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.TradeType = models.TradeType(tradeType)
		t.DealDate = storage.FromNanos(dealDate)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" || r.StartedAt.IsZero() {
		return fmt.Errorf("%w: run requires id and start time", storage.ErrInvalidInput)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (`+storage.RunCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		runArgs(r)...)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, r *models.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET
			mode=$2, region=$3, status=$4, started_at=$5, finished_at=$6, upserted=$7, removed=$8,
			price_changed=$9, errored=$10, scored=$11, bargains=$12, tiles_done=$13, tiles_failed=$14,
			total_units=$15, next_unit=$16, resumed_from=$17, last_error=$18
		WHERE id=$1`,
		runArgs(r)...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+storage.RunCols+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) LatestResumableRun(ctx context.Context, region string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+storage.RunCols+` FROM runs
		WHERE region = $1 AND mode = $2
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		region, string(models.ModeFull))
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resumable run for %s: %w", region, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	if !r.Resumable() {
		return nil, fmt.Errorf("resumable run for %s: %w", region, storage.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+storage.RunCols+` FROM runs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	runs := []*models.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	var tradeType, status, bargainType string
	var factors []byte
	var scoredAt, firstSeen, lastSeen, removedAt int64
	err := row.Scan(
		&l.ID, &l.ComplexID, &l.ComplexName, &tradeType, &l.Price, &l.MonthlyRent, &l.ExclusiveArea,
		&l.Floor, &l.Direction, &l.Description, &l.Latitude, &l.Longitude, &l.ImageURL, &l.Realtor, &status,
		&l.IsBargain, &l.BargainScore, &bargainType, &factors, &scoredAt, &firstSeen, &lastSeen, &removedAt,
	)
	if err != nil {
		return nil, err
	}
	l.TradeType = models.TradeType(tradeType)
	l.Status = models.Status(status)
	l.BargainType = models.BargainType(bargainType)
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &l.Factors); err != nil {
			return nil, fmt.Errorf("unmarshal factors: %w", err)
		}
	}
	l.ScoredAt = storage.FromNanos(scoredAt)
	l.FirstSeen = storage.FromNanos(firstSeen)
	l.LastSeen = storage.FromNanos(lastSeen)
	l.RemovedAt = storage.FromNanos(removedAt)
	return &l, nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var mode, status string
	var startedAt, finishedAt int64
	err := row.Scan(
		&r.ID, &mode, &r.Region, &status, &startedAt, &finishedAt,
		&r.Upserted, &r.Removed, &r.PriceChanged, &r.Errored, &r.Scored, &r.Bargains,
		&r.TilesDone, &r.TilesFailed, &r.TotalUnits, &r.Cursor, &r.ResumedFrom, &r.LastError,
	)
	if err != nil {
		return nil, err
	}
	r.Mode = models.RunMode(mode)
	r.Status = models.RunStatus(status)
	r.StartedAt = storage.FromNanos(startedAt)
	r.FinishedAt = storage.FromNanos(finishedAt)
	return &r, nil
}

func runArgs(r *models.Run) []any {
	return []any{
		r.ID, string(r.Mode), r.Region, string(r.Status), storage.Nanos(r.StartedAt), storage.Nanos(r.FinishedAt),
		r.Upserted, r.Removed, r.PriceChanged, r.Errored, r.Scored, r.Bargains,
		r.TilesDone, r.TilesFailed, r.TotalUnits, r.Cursor, r.ResumedFrom, r.LastError,
	}
}
