// Package scorer assigns 0-100 bargain scores to active listings and
// classifies them as price, keyword, or combined bargains.
package scorer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
)

// Weights maps raw signals to factor points.
type Weights struct {
	Name string

	PeerMax         float64
	PeerPctPerPoint float64

	TxMax         float64
	TxPctPerPoint float64

	DropMax       float64
	PointsPerDrop float64
	MaxDrops      int

	MagnitudeMax         float64
	MagnitudePctPerPoint float64

	Threshold float64
}

// Tables are the built-in weight presets.
var Tables = map[string]Weights{
	"price_score": {
		Name:                 "price_score",
		PeerMax:              40,
		PeerPctPerPoint:      0.5,
		TxMax:                40,
		TxPctPerPoint:        0.5,
		DropMax:              10,
		PointsPerDrop:        2,
		MaxDrops:             5,
		MagnitudeMax:         10,
		MagnitudePctPerPoint: 2,
		Threshold:            40,
	},
	"legacy": {
		Name:                 "legacy",
		PeerMax:              50,
		PeerPctPerPoint:      1,
		TxMax:                30,
		TxPctPerPoint:        1,
		DropMax:              10,
		PointsPerDrop:        2,
		MaxDrops:             5,
		MagnitudeMax:         10,
		MagnitudePctPerPoint: 2,
		Threshold:            50,
	},
}

// LookupWeights returns the named preset.
func LookupWeights(name string) (Weights, error) {
	w, ok := Tables[name]
	if !ok {
		return Weights{}, fmt.Errorf("unknown weight table %q", name)
	}
	return w, nil
}

type Config struct {
	Weights              Weights
	AreaBucket           float64 // m² per bucket
	TxLimit              int
	TxWindow             time.Duration
	RentConversionMonths int
	Keywords             []string
}

func DefaultConfig() Config {
	return Config{
		Weights:              Tables["price_score"],
		AreaBucket:           3,
		TxLimit:              5,
		TxWindow:             182 * 24 * time.Hour,
		RentConversionMonths: 100,
		Keywords:             []string{"급매", "급급매", "초급매", "급처분", "급처", "급전", "마피", "마이너스피", "손절"},
	}
}

// Store is the persistence the scorer reads from and writes scores to.
type Store interface {
	ListActiveGroups(ctx context.Context) ([]models.GroupKey, error)
	ListActiveByGroup(ctx context.Context, key models.GroupKey) ([]*models.Listing, error)
	PriceHistory(ctx context.Context, listingID string) ([]models.PriceHistoryEntry, error)
	RecentTransactions(ctx context.Context, complexID string, tt models.TradeType, since time.Time) ([]models.Transaction, error)
	SaveScore(ctx context.Context, id string, score models.Score) error
}

// Result summarizes one scoring pass.
type Result struct {
	Scored   int
	Bargains int
	// New holds listings that were not bargains before this pass and are now,
	// with their score fields updated, highest score first.
	New []*models.Listing
}

type Scorer struct {
	store    Store
	config   Config
	keywords *Matcher
}

func New(store Store, config Config) *Scorer {
	if config.AreaBucket <= 0 {
		config.AreaBucket = 3
	}
	if config.TxLimit <= 0 {
		config.TxLimit = 5
	}
	return &Scorer{
		store:    store,
		config:   config,
		keywords: NewMatcher(config.Keywords),
	}
}

// ScoreAll rescores every active listing.
func (s *Scorer) ScoreAll(ctx context.Context, now time.Time) (Result, error) {
	groups, err := s.store.ListActiveGroups(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list groups: %w", err)
	}
	return s.ScoreGroups(ctx, groups, now)
}

// ScoreGroups rescores every active listing of the given groups. A write
// failure aborts the pass; scores saved before it are kept.
func (s *Scorer) ScoreGroups(ctx context.Context, groups []models.GroupKey, now time.Time) (Result, error) {
	var res Result
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.scoreGroup(ctx, g, now, &res); err != nil {
			return res, err
		}
	}
	sortByScore(res.New)
	logger.Debug("Scored %d listings in %d groups, %d bargains (%d new)", res.Scored, len(groups), res.Bargains, len(res.New))
	return res, nil
}

func (s *Scorer) scoreGroup(ctx context.Context, g models.GroupKey, now time.Time, res *Result) error {
	listings, err := s.store.ListActiveByGroup(ctx, g)
	if err != nil {
		return fmt.Errorf("list group %s/%s: %w", g.ComplexID, g.TradeType, err)
	}
	if len(listings) == 0 {
		return nil
	}
	txs, err := s.store.RecentTransactions(ctx, g.ComplexID, g.TradeType, now.Add(-s.config.TxWindow))
	if err != nil {
		return fmt.Errorf("transactions for %s/%s: %w", g.ComplexID, g.TradeType, err)
	}

	for _, l := range listings {
		history, err := s.store.PriceHistory(ctx, l.ID)
		if err != nil {
			return fmt.Errorf("history for %s: %w", l.ID, err)
		}
		score := s.Evaluate(l, listings, history, txs)
		score.ScoredAt = now
		if err := s.store.SaveScore(ctx, l.ID, score); err != nil {
			return fmt.Errorf("save score for %s: %w", l.ID, err)
		}

		res.Scored++
		if score.IsBargain {
			res.Bargains++
		}
		wasBargain := l.IsBargain
		l.BargainScore = score.Value
		l.BargainType = score.Type
		l.IsBargain = score.IsBargain
		l.Factors = score.Factors
		l.ScoredAt = now
		if score.IsBargain && !wasBargain {
			res.New = append(res.New, l)
		}
	}
	return nil
}

// Evaluate scores l against its group. group may include l itself; peers are
// the other listings in the same area bucket. history is oldest first and
// txs newest first, both already restricted to l's complex and trade type.
func (s *Scorer) Evaluate(l *models.Listing, group []*models.Listing, history []models.PriceHistoryEntry, txs []models.Transaction) models.Score {
	w := s.config.Weights
	bucket := s.bucket(l.ExclusiveArea)
	current := s.comparable(l.Price, l.MonthlyRent, l.TradeType)

	f := models.Factors{
		WeightTable:     w.Name,
		AreaBucket:      bucket,
		ComparablePrice: current,
	}

	// an unpriced listing only qualifies by keyword
	priced := current > 0

	var peerSum float64
	for _, p := range group {
		if !priced || p.ID == l.ID || p.Status != models.StatusActive || s.bucket(p.ExclusiveArea) != bucket {
			continue
		}
		c := s.comparable(p.Price, p.MonthlyRent, p.TradeType)
		if c <= 0 {
			continue
		}
		peerSum += c
		f.PeerCount++
	}
	if f.PeerCount > 0 {
		f.PeerMean = peerSum / float64(f.PeerCount)
		f.PeerDiscount = linear(discountPct(f.PeerMean, current), w.PeerPctPerPoint, w.PeerMax)
	}

	var txSum float64
	for _, t := range txs {
		if !priced || f.TxCount >= s.config.TxLimit {
			break
		}
		if t.ComplexID != l.ComplexID || t.TradeType != l.TradeType || s.bucket(t.ExclusiveArea) != bucket {
			continue
		}
		c := s.comparable(t.Price, t.MonthlyRent, t.TradeType)
		if c <= 0 {
			continue
		}
		txSum += c
		f.TxCount++
	}
	if f.TxCount > 0 {
		f.TxMean = txSum / float64(f.TxCount)
		f.TxDiscount = linear(discountPct(f.TxMean, current), w.TxPctPerPoint, w.TxMax)
	}

	if priced && len(history) > 0 {
		prev := s.comparable(history[0].Price, history[0].MonthlyRent, l.TradeType)
		first := prev
		for _, h := range history[1:] {
			c := s.comparable(h.Price, h.MonthlyRent, l.TradeType)
			if c < prev {
				f.Drops++
			}
			prev = c
		}
		if current < prev {
			f.Drops++
		}
		f.DropPercent = math.Max(0, discountPct(first, current))
	}
	drops := min(f.Drops, w.MaxDrops)
	f.DropCount = math.Min(float64(drops)*w.PointsPerDrop, w.DropMax)
	f.DropMagnitude = linear(f.DropPercent, w.MagnitudePctPerPoint, w.MagnitudeMax)

	f.Keyword = s.keywords.Match(l.Description)

	total := clamp(f.Total(), 0, 100)
	priceHit := total >= w.Threshold
	var bt models.BargainType
	switch {
	case priceHit && f.Keyword != "":
		bt = models.BargainBoth
	case priceHit:
		bt = models.BargainPrice
	case f.Keyword != "":
		bt = models.BargainKeyword
	}

	return models.Score{
		Value:     total,
		Type:      bt,
		Factors:   f,
		IsBargain: bt != models.BargainNone,
	}
}

func (s *Scorer) bucket(area float64) int {
	return int(math.Round(area / s.config.AreaBucket))
}

// comparable folds monthly rent into the deposit so rent listings compare on one number.
func (s *Scorer) comparable(price, rent int64, tt models.TradeType) float64 {
	c := float64(price)
	if tt == models.TradeRent {
		c += float64(rent) * float64(s.config.RentConversionMonths)
	}
	return c
}

// discountPct is how far below reference the price sits, in percent.
func discountPct(reference, price float64) float64 {
	if reference <= 0 {
		return 0
	}
	return (reference - price) * 100 / reference
}

func linear(pct, pctPerPoint, limit float64) float64 {
	if pct <= 0 || pctPerPoint <= 0 {
		return 0
	}
	return clamp(pct/pctPerPoint, 0, limit)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

func sortByScore(ls []*models.Listing) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].BargainScore != ls[j].BargainScore {
			return ls[i].BargainScore > ls[j].BargainScore
		}
		return ls[i].ID < ls[j].ID
	})
}
