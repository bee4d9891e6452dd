// Package models defines the core domain entities: listings, snapshots, price history,
// real transactions, and crawl runs.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TradeType classifies a listing as sale, lease deposit (전세), or monthly rent (월세).
type TradeType string

const (
	TradeSale  TradeType = "sale"
	TradeLease TradeType = "lease"
	TradeRent  TradeType = "rent"
)

// upstream trade type codes used by the listings API
var tradeCodes = map[TradeType]string{
	TradeSale:  "A1",
	TradeLease: "B1",
	TradeRent:  "B2",
}

// ParseTradeType accepts either the internal name or the upstream code.
func ParseTradeType(s string) (TradeType, error) {
	s = strings.TrimSpace(s)
	for tt, code := range tradeCodes {
		if strings.EqualFold(s, string(tt)) || strings.EqualFold(s, code) {
			return tt, nil
		}
	}
	return "", fmt.Errorf("unknown trade type %q", s)
}

// Code returns the upstream API code for the trade type.
func (t TradeType) Code() string {
	return tradeCodes[t]
}

// Status is the lifecycle state of a persisted listing. active -> removed is one-way.
type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// BargainType records why a listing was classified as a bargain.
type BargainType string

const (
	BargainNone    BargainType = ""
	BargainPrice   BargainType = "price"
	BargainKeyword BargainType = "keyword"
	BargainBoth    BargainType = "both"
)

// Bounds is a geographic rectangle. Containment is half-open so that
// adjacent tiles never share a point.
type Bounds struct {
	South float64 `json:"south" mapstructure:"south"`
	West  float64 `json:"west" mapstructure:"west"`
	North float64 `json:"north" mapstructure:"north"`
	East  float64 `json:"east" mapstructure:"east"`
}

// Contains reports whether (lat, lng) lies in [South, North) x [West, East).
func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.South && lat < b.North && lng >= b.West && lng < b.East
}

// Center returns the midpoint of the rectangle.
func (b Bounds) Center() (lat, lng float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Validate checks that the rectangle is non-empty and within lat/lng range.
func (b Bounds) Validate() error {
	if b.North <= b.South || b.East <= b.West {
		return errors.New("bounds must have north > south and east > west")
	}
	if b.South < -90 || b.North > 90 || b.West < -180 || b.East > 180 {
		return errors.New("bounds out of range")
	}
	return nil
}

// Scope identifies the set of listings reconciled together by the differ.
type Scope struct {
	Bounds    Bounds
	TradeType TradeType
}

func (s Scope) String() string {
	return fmt.Sprintf("%s[%.4f,%.4f,%.4f,%.4f]", s.TradeType, s.Bounds.South, s.Bounds.West, s.Bounds.North, s.Bounds.East)
}

// Snapshot is one listing as observed by a crawl. It only lives until the
// differ merges it into persisted state.
type Snapshot struct {
	ExternalID    string
	ComplexID     string
	ComplexName   string
	TradeType     TradeType
	Price         int64 // won; deal price or deposit
	MonthlyRent   int64 // won; zero unless TradeRent
	ExclusiveArea float64
	Floor         string
	Direction     string
	Description   string
	Latitude      float64
	Longitude     float64
	ConfirmedAt   time.Time
	ImageURL      string
	Realtor       string
	FirstSeen     time.Time
}

// Validate checks the fields the differ and scorer depend on.
func (s *Snapshot) Validate() error {
	if s.ExternalID == "" {
		return errors.New("external ID must not be empty")
	}
	if s.ComplexID == "" {
		return errors.New("complex ID must not be empty")
	}
	if _, ok := tradeCodes[s.TradeType]; !ok {
		return fmt.Errorf("invalid trade type %q", s.TradeType)
	}
	if s.Price < 0 || s.MonthlyRent < 0 {
		return errors.New("price must not be negative")
	}
	if s.ExclusiveArea < 0 {
		return errors.New("exclusive area must not be negative")
	}
	return nil
}

// Factors is the per-factor breakdown of a bargain score, shown in the UI.
type Factors struct {
	PeerDiscount  float64 `json:"peer_discount"`
	TxDiscount    float64 `json:"tx_discount"`
	DropCount     float64 `json:"drop_count"`
	DropMagnitude float64 `json:"drop_magnitude"`

	PeerMean        float64 `json:"peer_mean,omitempty"`
	PeerCount       int     `json:"peer_count"`
	TxMean          float64 `json:"tx_mean,omitempty"`
	TxCount         int     `json:"tx_count"`
	Drops           int     `json:"drops"`
	DropPercent     float64 `json:"drop_percent"`
	Keyword         string  `json:"keyword,omitempty"`
	WeightTable     string  `json:"weight_table"`
	AreaBucket      int     `json:"area_bucket"`
	ComparablePrice float64 `json:"comparable_price"`
}

// Total sums the four factor points.
func (f Factors) Total() float64 {
	return f.PeerDiscount + f.TxDiscount + f.DropCount + f.DropMagnitude
}

// Score is the scorer's output for one listing.
type Score struct {
	Value     float64
	Type      BargainType
	Factors   Factors
	ScoredAt  time.Time
	IsBargain bool
}

// Listing is the persisted state of one external listing.
type Listing struct {
	ID            string // external listing id
	ComplexID     string
	ComplexName   string
	TradeType     TradeType
	Price         int64
	MonthlyRent   int64
	ExclusiveArea float64
	Floor         string
	Direction     string
	Description   string
	Latitude      float64
	Longitude     float64
	ImageURL      string
	Realtor       string
	Status        Status

	IsBargain    bool
	BargainScore float64
	BargainType  BargainType
	Factors      Factors
	ScoredAt     time.Time

	FirstSeen time.Time
	LastSeen  time.Time
	RemovedAt time.Time
}

// Validate checks listing field constraints.
func (l *Listing) Validate() error {
	if l.ID == "" {
		return errors.New("listing ID must not be empty")
	}
	if l.ComplexID == "" {
		return errors.New("complex ID must not be empty")
	}
	if _, ok := tradeCodes[l.TradeType]; !ok {
		return fmt.Errorf("invalid trade type %q", l.TradeType)
	}
	if l.Status != StatusActive && l.Status != StatusRemoved {
		return fmt.Errorf("invalid status %q", l.Status)
	}
	if l.Price < 0 || l.MonthlyRent < 0 {
		return errors.New("price must not be negative")
	}
	if l.BargainScore < 0 || l.BargainScore > 100 {
		return errors.New("bargain score must be between 0 and 100")
	}
	if l.FirstSeen.IsZero() || l.LastSeen.IsZero() {
		return errors.New("first and last seen must be set")
	}
	if l.LastSeen.Before(l.FirstSeen) {
		return errors.New("last seen must be >= first seen")
	}
	return nil
}

// SamePrice reports whether the snapshot carries the listing's current price fields.
func (l *Listing) SamePrice(s *Snapshot) bool {
	return l.Price == s.Price && l.MonthlyRent == s.MonthlyRent
}

// Group is the peer-comparison key: complex plus trade type.
func (l *Listing) Group() GroupKey {
	return GroupKey{ComplexID: l.ComplexID, TradeType: l.TradeType}
}

// NewListing builds an active listing from its first sighting.
func NewListing(s *Snapshot, now time.Time) *Listing {
	l := &Listing{
		ID:        s.ExternalID,
		Status:    StatusActive,
		FirstSeen: now,
		LastSeen:  now,
	}
	l.Apply(s)
	return l
}

// Apply copies the snapshot's observable fields onto the listing.
// Status, timestamps, and score fields are left alone.
func (l *Listing) Apply(s *Snapshot) {
	l.ComplexID = s.ComplexID
	l.ComplexName = s.ComplexName
	l.TradeType = s.TradeType
	l.Price = s.Price
	l.MonthlyRent = s.MonthlyRent
	l.ExclusiveArea = s.ExclusiveArea
	l.Floor = s.Floor
	l.Direction = s.Direction
	l.Description = s.Description
	l.Latitude = s.Latitude
	l.Longitude = s.Longitude
	l.ImageURL = s.ImageURL
	l.Realtor = s.Realtor
}

// GroupKey identifies listings comparable by complex and trade type.
type GroupKey struct {
	ComplexID string
	TradeType TradeType
}

// PriceHistoryEntry records a superseded price. Append-only.
type PriceHistoryEntry struct {
	ID          int64
	ListingID   string
	Price       int64
	MonthlyRent int64
	Source      string
	RecordedAt  time.Time
}

const (
	SourceCrawl = "crawl"
	SourceSeed  = "seed"
)

// Transaction is a closed real-transaction record (실거래가). Read-only for the scorer.
type Transaction struct {
	ComplexID     string
	RegionCode    string
	TradeType     TradeType
	ExclusiveArea float64
	Price         int64 // sale price or deposit
	MonthlyRent   int64 // 월세 deals only
	Floor         int
	DealDate      time.Time
}

// Validate checks transaction field constraints.
func (t *Transaction) Validate() error {
	if t.ComplexID == "" {
		return errors.New("complex ID must not be empty")
	}
	if _, ok := tradeCodes[t.TradeType]; !ok {
		return fmt.Errorf("invalid trade type %q", t.TradeType)
	}
	if t.Price <= 0 {
		return errors.New("price must be positive")
	}
	if t.MonthlyRent < 0 {
		return errors.New("monthly rent must not be negative")
	}
	if t.ExclusiveArea <= 0 || math.IsNaN(t.ExclusiveArea) {
		return errors.New("exclusive area must be positive")
	}
	if t.DealDate.IsZero() {
		return errors.New("deal date must be set")
	}
	return nil
}
