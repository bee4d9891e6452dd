package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/geupmae/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

var _ Store = (*Storage)(nil)

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/geupmae/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "geupmae", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id             TEXT PRIMARY KEY,
			complex_id     TEXT NOT NULL,
			complex_name   TEXT,
			trade_type     TEXT NOT NULL,
			price          INTEGER NOT NULL,
			monthly_rent   INTEGER NOT NULL DEFAULT 0,
			exclusive_area REAL NOT NULL DEFAULT 0,
			floor          TEXT,
			direction      TEXT,
			description    TEXT,
			latitude       REAL NOT NULL,
			longitude      REAL NOT NULL,
			image_url      TEXT,
			realtor        TEXT,
			status         TEXT NOT NULL,
			is_bargain     INTEGER NOT NULL DEFAULT 0,
			bargain_score  REAL NOT NULL DEFAULT 0,
			bargain_type   TEXT NOT NULL DEFAULT '',
			factors        TEXT NOT NULL DEFAULT '{}',
			scored_at      INTEGER NOT NULL DEFAULT 0,
			first_seen     INTEGER NOT NULL,
			last_seen      INTEGER NOT NULL,
			removed_at     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_scope ON listings(status, trade_type, latitude, longitude)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_group ON listings(complex_id, trade_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_bargain ON listings(is_bargain, bargain_score DESC)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			listing_id   TEXT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
			price        INTEGER NOT NULL,
			monthly_rent INTEGER NOT NULL DEFAULT 0,
			source       TEXT NOT NULL,
			recorded_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history(listing_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			complex_id     TEXT NOT NULL,
			region_code    TEXT,
			trade_type     TEXT NOT NULL,
			exclusive_area REAL NOT NULL,
			price          INTEGER NOT NULL,
			monthly_rent   INTEGER NOT NULL DEFAULT 0,
			floor          INTEGER NOT NULL DEFAULT 0,
			deal_date      INTEGER NOT NULL,
			UNIQUE (complex_id, trade_type, exclusive_area, price, monthly_rent, deal_date, floor)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_lookup ON transactions(complex_id, trade_type, deal_date DESC)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			mode          TEXT NOT NULL,
			region        TEXT NOT NULL,
			status        TEXT NOT NULL,
			started_at    INTEGER NOT NULL,
			finished_at   INTEGER NOT NULL DEFAULT 0,
			upserted      INTEGER NOT NULL DEFAULT 0,
			removed       INTEGER NOT NULL DEFAULT 0,
			price_changed INTEGER NOT NULL DEFAULT 0,
			errored       INTEGER NOT NULL DEFAULT 0,
			scored        INTEGER NOT NULL DEFAULT 0,
			bargains      INTEGER NOT NULL DEFAULT 0,
			tiles_done    INTEGER NOT NULL DEFAULT 0,
			tiles_failed  INTEGER NOT NULL DEFAULT 0,
			total_units   INTEGER NOT NULL DEFAULT 0,
			next_unit     INTEGER NOT NULL DEFAULT 0,
			resumed_from  TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_region ON runs(region, mode, started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ListingCols is the column list scanned by ScanListing.
const ListingCols = `id, complex_id, complex_name, trade_type, price, monthly_rent, exclusive_area,
	floor, direction, description, latitude, longitude, image_url, realtor, status,
	is_bargain, bargain_score, bargain_type, factors, scored_at, first_seen, last_seen, removed_at`

func (s *Storage) ListActiveInScope(ctx context.Context, scope models.Scope) ([]*models.Listing, error) {
	b := scope.Bounds
	return s.queryListings(ctx, `
		SELECT `+ListingCols+` FROM listings
		WHERE status = ? AND trade_type = ?
		  AND latitude >= ? AND latitude < ? AND longitude >= ? AND longitude < ?
		ORDER BY id`,
		models.StatusActive, scope.TradeType, b.South, b.North, b.West, b.East)
}

func (s *Storage) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ListingCols+` FROM listings WHERE id = ?`, id)
	l, err := ScanListing(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

func (s *Storage) InsertListing(ctx context.Context, l *models.Listing, seed *models.PriceHistoryEntry) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: listing: %v", ErrInvalidInput, err)
	}
	factors, err := json.Marshal(l.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings (`+ListingCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ComplexID, l.ComplexName, l.TradeType, l.Price, l.MonthlyRent, l.ExclusiveArea,
		l.Floor, l.Direction, l.Description, l.Latitude, l.Longitude, l.ImageURL, l.Realtor, l.Status,
		boolToInt(l.IsBargain), l.BargainScore, l.BargainType, string(factors), Nanos(l.ScoredAt),
		Nanos(l.FirstSeen), Nanos(l.LastSeen), Nanos(l.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	if seed != nil {
		if err := appendHistory(ctx, tx, *seed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) UpdateListing(ctx context.Context, l *models.Listing) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: listing: %v", ErrInvalidInput, err)
	}
	return updateListing(ctx, s.db, l)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateListing(ctx context.Context, db execer, l *models.Listing) error {
	res, err := db.ExecContext(ctx, `
		UPDATE listings SET
			complex_id=?, complex_name=?, trade_type=?, price=?, monthly_rent=?, exclusive_area=?,
			floor=?, direction=?, description=?, latitude=?, longitude=?, image_url=?, realtor=?,
			last_seen=?
		WHERE id=?`,
		l.ComplexID, l.ComplexName, l.TradeType, l.Price, l.MonthlyRent, l.ExclusiveArea,
		l.Floor, l.Direction, l.Description, l.Latitude, l.Longitude, l.ImageURL, l.Realtor,
		Nanos(l.LastSeen), l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func (s *Storage) TouchListing(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE listings SET last_seen = ? WHERE id = ?`, Nanos(seen), id)
	if err != nil {
		return fmt.Errorf("failed to touch listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Storage) ApplyPriceChange(ctx context.Context, l *models.Listing, prev models.PriceHistoryEntry) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: listing: %v", ErrInvalidInput, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateListing(ctx, tx, l); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, prev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) MarkRemoved(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	removed := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE listings SET status = ?, removed_at = ?, is_bargain = 0
			WHERE id = ? AND status = ?`,
			models.StatusRemoved, Nanos(at), id, models.StatusActive)
		if err != nil {
			return 0, fmt.Errorf("failed to mark listing removed: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit removals: %w", err)
	}
	return removed, nil
}

func (s *Storage) ListActiveByGroup(ctx context.Context, key models.GroupKey) ([]*models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+ListingCols+` FROM listings
		WHERE complex_id = ? AND trade_type = ? AND status = ?
		ORDER BY id`,
		key.ComplexID, key.TradeType, models.StatusActive)
}

func (s *Storage) ListActiveGroups(ctx context.Context) ([]models.GroupKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT complex_id, trade_type FROM listings
		WHERE status = ? ORDER BY complex_id, trade_type`, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()
	var keys []models.GroupKey
	for rows.Next() {
		var k models.GroupKey
		if err := rows.Scan(&k.ComplexID, &k.TradeType); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Storage) SaveScore(ctx context.Context, id string, score models.Score) error {
	if score.Value < 0 || score.Value > 100 {
		return fmt.Errorf("%w: score %.2f out of range", ErrInvalidInput, score.Value)
	}
	factors, err := json.Marshal(score.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET is_bargain=?, bargain_score=?, bargain_type=?, factors=?, scored_at=?
		WHERE id=?`,
		boolToInt(score.IsBargain), score.Value, score.Type, string(factors), Nanos(score.ScoredAt), id)
	if err != nil {
		return fmt.Errorf("failed to save score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Storage) ListBargains(ctx context.Context, limit int) ([]*models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+ListingCols+` FROM listings
		WHERE status = ? AND is_bargain = 1
		ORDER BY bargain_score DESC, id LIMIT ?`,
		models.StatusActive, limit)
}

func (s *Storage) queryListings(ctx context.Context, query string, args ...any) ([]*models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()
	listings := []*models.Listing{}
	for rows.Next() {
		l, err := ScanListing(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *Storage) AppendPriceHistory(ctx context.Context, e models.PriceHistoryEntry) error {
	return appendHistory(ctx, s.db, e)
}

func appendHistory(ctx context.Context, db execer, e models.PriceHistoryEntry) error {
	if e.ListingID == "" || e.Price < 0 {
		return fmt.Errorf("%w: price history entry", ErrInvalidInput)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO price_history (listing_id, price, monthly_rent, source, recorded_at)
		VALUES (?,?,?,?,?)`,
		e.ListingID, e.Price, e.MonthlyRent, e.Source, Nanos(e.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}
	return nil
}

func (s *Storage) PriceHistory(ctx context.Context, listingID string) ([]models.PriceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, price, monthly_rent, source, recorded_at
		FROM price_history WHERE listing_id = ?
		ORDER BY recorded_at, id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()
	var entries []models.PriceHistoryEntry
	for rows.Next() {
		var e models.PriceHistoryEntry
		var recordedAt int64
		if err := rows.Scan(&e.ID, &e.ListingID, &e.Price, &e.MonthlyRent, &e.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price history: %w", err)
		}
		e.RecordedAt = FromNanos(recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Storage) InsertTransactions(ctx context.Context, txs []models.Transaction) (int, error) {
	for i := range txs {
		if err := txs[i].Validate(); err != nil {
			return 0, fmt.Errorf("%w: transaction %d: %v", ErrInvalidInput, i, err)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transactions
			(complex_id, region_code, trade_type, exclusive_area, price, monthly_rent, floor, deal_date)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range txs {
		res, err := stmt.ExecContext(ctx, t.ComplexID, t.RegionCode, t.TradeType, t.ExclusiveArea,
			t.Price, t.MonthlyRent, t.Floor, Nanos(t.DealDate))
		if err != nil {
			return 0, fmt.Errorf("failed to insert transaction: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transactions: %w", err)
	}
	return inserted, nil
}

func (s *Storage) RecentTransactions(ctx context.Context, complexID string, tt models.TradeType, since time.Time) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT complex_id, region_code, trade_type, exclusive_area, price, monthly_rent, floor, deal_date
		FROM transactions
		WHERE complex_id = ? AND trade_type = ? AND deal_date >= ?
		ORDER BY deal_date DESC, id DESC`,
		complexID, tt, Nanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var region sql.NullString
		var dealDate int64
		if err := rows.Scan(&t.ComplexID, &region, &t.TradeType, &t.ExclusiveArea, &t.Price, &t.MonthlyRent, &t.Floor, &dealDate); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.RegionCode = region.String
		t.DealDate = FromNanos(dealDate)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RunCols is the column list scanned by ScanRun.
const RunCols = `id, mode, region, status, started_at, finished_at, upserted, removed, price_changed,
	errored, scored, bargains, tiles_done, tiles_failed, total_units, next_unit, resumed_from, last_error`

func (s *Storage) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" || r.StartedAt.IsZero() {
		return fmt.Errorf("%w: run requires id and start time", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+RunCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runArgs(r)...)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Storage) UpdateRun(ctx context.Context, r *models.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			mode=?, region=?, status=?, started_at=?, finished_at=?, upserted=?, removed=?,
			price_changed=?, errored=?, scored=?, bargains=?, tiles_done=?, tiles_failed=?,
			total_units=?, next_unit=?, resumed_from=?, last_error=?
		WHERE id=?`,
		append(runArgs(r)[1:], r.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+RunCols+` FROM runs WHERE id = ?`, id)
	r, err := ScanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (s *Storage) LatestResumableRun(ctx context.Context, region string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+RunCols+` FROM runs
		WHERE region = ? AND mode = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		region, models.ModeFull)
	r, err := ScanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resumable run for %s: %w", region, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	if !r.Resumable() {
		return nil, fmt.Errorf("resumable run for %s: %w", region, ErrNotFound)
	}
	return r, nil
}

func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+RunCols+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	runs := []*models.Run{}
	for rows.Next() {
		r, err := ScanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ScanListing scans a row selected with ListingCols.
func ScanListing(scan func(...any) error) (*models.Listing, error) {
	var l models.Listing
	var complexName, floor, direction, description, imageURL, realtor sql.NullString
	var isBargain int
	var factors string
	var scoredAt, firstSeen, lastSeen, removedAt int64
	err := scan(
		&l.ID, &l.ComplexID, &complexName, &l.TradeType, &l.Price, &l.MonthlyRent, &l.ExclusiveArea,
		&floor, &direction, &description, &l.Latitude, &l.Longitude, &imageURL, &realtor, &l.Status,
		&isBargain, &l.BargainScore, &l.BargainType, &factors, &scoredAt, &firstSeen, &lastSeen, &removedAt,
	)
	if err != nil {
		return nil, err
	}
	l.ComplexName = complexName.String
	l.Floor = floor.String
	l.Direction = direction.String
	l.Description = description.String
	l.ImageURL = imageURL.String
	l.Realtor = realtor.String
	l.IsBargain = isBargain != 0
	if strings.TrimSpace(factors) != "" {
		if err := json.Unmarshal([]byte(factors), &l.Factors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
		}
	}
	l.ScoredAt = FromNanos(scoredAt)
	l.FirstSeen = FromNanos(firstSeen)
	l.LastSeen = FromNanos(lastSeen)
	l.RemovedAt = FromNanos(removedAt)
	return &l, nil
}

// ScanRun scans a row selected with RunCols.
func ScanRun(scan func(...any) error) (*models.Run, error) {
	var r models.Run
	var startedAt, finishedAt int64
	err := scan(
		&r.ID, &r.Mode, &r.Region, &r.Status, &startedAt, &finishedAt,
		&r.Upserted, &r.Removed, &r.PriceChanged, &r.Errored, &r.Scored, &r.Bargains,
		&r.TilesDone, &r.TilesFailed, &r.TotalUnits, &r.Cursor, &r.ResumedFrom, &r.LastError,
	)
	if err != nil {
		return nil, err
	}
	r.StartedAt = FromNanos(startedAt)
	r.FinishedAt = FromNanos(finishedAt)
	return &r, nil
}

func runArgs(r *models.Run) []any {
	return []any{
		r.ID, r.Mode, r.Region, r.Status, Nanos(r.StartedAt), Nanos(r.FinishedAt),
		r.Upserted, r.Removed, r.PriceChanged, r.Errored, r.Scored, r.Bargains,
		r.TilesDone, r.TilesFailed, r.TotalUnits, r.Cursor, r.ResumedFrom, r.LastError,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
