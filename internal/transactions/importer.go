// Package transactions imports closed real-transaction records (실거래가)
// from CSV exports into the store the scorer reads.
package transactions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/storage"
)

var kst = time.FixedZone("KST", 9*60*60)

// Row is one CSV record. Prices are in 만원 and may contain thousands separators.
type Row struct {
	ComplexID     string  `csv:"complex_id"`
	RegionCode    string  `csv:"region_code,omitempty"`
	TradeType     string  `csv:"trade_type"`
	ExclusiveArea float64 `csv:"exclusive_area"`
	PriceManwon   string  `csv:"price_manwon"`
	RentManwon    string  `csv:"rent_manwon,omitempty"` // 월세 only
	DealYearMonth string  `csv:"deal_year_month"`     // YYYYMM
	DealDay       int     `csv:"deal_day"`
	Floor         int     `csv:"floor,omitempty"`
}

// Transaction converts the row and validates it.
func (r Row) Transaction() (models.Transaction, error) {
	tt, err := models.ParseTradeType(r.TradeType)
	if err != nil {
		return models.Transaction{}, err
	}
	price, err := parseManwon(r.PriceManwon)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("invalid price %q", r.PriceManwon)
	}
	var rent int64
	if tt == models.TradeRent && strings.TrimSpace(r.RentManwon) != "" {
		rent, err = parseManwon(r.RentManwon)
		if err != nil {
			return models.Transaction{}, fmt.Errorf("invalid monthly rent %q", r.RentManwon)
		}
	}
	ym, err := time.ParseInLocation("200601", strings.TrimSpace(r.DealYearMonth), kst)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("invalid deal month %q", r.DealYearMonth)
	}
	if r.DealDay < 1 || r.DealDay > 31 {
		return models.Transaction{}, fmt.Errorf("invalid deal day %d", r.DealDay)
	}
	deal := ym.AddDate(0, 0, r.DealDay-1)
	if deal.Month() != ym.Month() {
		return models.Transaction{}, fmt.Errorf("invalid deal date %s-%02d", r.DealYearMonth, r.DealDay)
	}

	t := models.Transaction{
		ComplexID:     strings.TrimSpace(r.ComplexID),
		RegionCode:    strings.TrimSpace(r.RegionCode),
		TradeType:     tt,
		ExclusiveArea: r.ExclusiveArea,
		Price:         price * 10000,
		MonthlyRent:   rent * 10000,
		Floor:         r.Floor,
		DealDate:      deal,
	}
	if err := t.Validate(); err != nil {
		return models.Transaction{}, err
	}
	return t, nil
}

func parseManwon(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
}

// Report counts what one import did.
type Report struct {
	Rows       int
	Imported   int
	Duplicates int
	Skipped    int
}

// Importer streams CSV records into a TransactionStore.
type Importer struct {
	store     storage.TransactionStore
	batchSize int
}

// NewImporter creates an importer that writes batchSize records at a time.
func NewImporter(store storage.TransactionStore, batchSize int) *Importer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Importer{store: store, batchSize: batchSize}
}

// Import reads a header line followed by records. Rows that fail to convert
// are logged and skipped; exact duplicates of stored records are ignored. A
// malformed file or a store failure aborts the import.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Report, error) {
	var rep Report

	cr := csv.NewReader(skipBOM(r))
	cr.TrimLeadingSpace = true
	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("failed to read CSV header: %w", err)
	}
	dec.DisallowMissingColumns = true

	batch := make([]models.Transaction, 0, im.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.InsertTransactions(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to store transactions: %w", err)
		}
		rep.Imported += n
		rep.Duplicates += len(batch) - n
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var row Row
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		var typeErr *csvutil.UnmarshalTypeError
		var parseErr *csv.ParseError
		switch {
		case errors.As(err, &typeErr), errors.As(err, &parseErr) && errors.Is(parseErr.Err, csv.ErrFieldCount):
			rep.Rows++
			rep.Skipped++
			logger.Warn("Skipping transaction row %d: %v", rep.Rows, err)
			continue
		case err != nil:
			return rep, fmt.Errorf("failed to decode CSV: %w", err)
		}
		rep.Rows++

		t, err := row.Transaction()
		if err != nil {
			rep.Skipped++
			logger.Warn("Skipping transaction row %d: %v", rep.Rows, err)
			continue
		}
		batch = append(batch, t)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return rep, err
			}
		}
	}
	if err := flush(); err != nil {
		return rep, err
	}

	logger.Info("Imported %d transactions (%d rows, %d duplicates, %d skipped)", rep.Imported, rep.Rows, rep.Duplicates, rep.Skipped)
	return rep, nil
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	return br
}
