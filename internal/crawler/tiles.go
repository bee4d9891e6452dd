package crawler

import (
	"fmt"
	"math"

	"github.com/rewired-gh/geupmae/internal/models"
)

// Tile is one cell of the region grid.
type Tile struct {
	Index  int
	Row    int
	Col    int
	Bounds models.Bounds
}

// Tiles subdivides b into a grid of latStep x lngStep cells, row-major from
// south-west to north-east. Edge cells are clipped to b, so the tiles are
// disjoint under half-open containment and cover b exactly.
func Tiles(b models.Bounds, latStep, lngStep float64) ([]Tile, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if latStep <= 0 || lngStep <= 0 {
		return nil, fmt.Errorf("tile steps must be positive, got %v x %v", latStep, lngStep)
	}
	rows := cells(b.North-b.South, latStep)
	cols := cells(b.East-b.West, lngStep)

	tiles := make([]Tile, 0, rows*cols)
	for r := 0; r < rows; r++ {
		south := b.South + float64(r)*latStep
		north := b.South + float64(r+1)*latStep
		if r == rows-1 {
			north = b.North
		}
		for c := 0; c < cols; c++ {
			west := b.West + float64(c)*lngStep
			east := b.West + float64(c+1)*lngStep
			if c == cols-1 {
				east = b.East
			}
			tiles = append(tiles, Tile{
				Index:  len(tiles),
				Row:    r,
				Col:    c,
				Bounds: models.Bounds{South: south, West: west, North: north, East: east},
			})
		}
	}
	return tiles, nil
}

// cells counts the steps needed to cover span, ignoring float noise on exact multiples.
func cells(span, step float64) int {
	n := int(math.Ceil(span/step - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// Unit is one (tile, trade type) pair: the smallest resumable piece of a crawl.
type Unit struct {
	Index     int
	Tile      Tile
	TradeType models.TradeType
}

// Scope is the differ scope the unit covers.
func (u Unit) Scope() models.Scope {
	return models.Scope{Bounds: u.Tile.Bounds, TradeType: u.TradeType}
}

func (u Unit) String() string {
	return fmt.Sprintf("unit %d (tile %d/%s)", u.Index, u.Tile.Index, u.TradeType)
}

// Plan is the ordered list of units for one region.
type Plan struct {
	Region     string
	Bounds     models.Bounds
	Tiles      []Tile
	TradeTypes []models.TradeType
}

// NewPlan tiles the region and pairs every tile with every trade type.
func NewPlan(region string, b models.Bounds, latStep, lngStep float64, types []models.TradeType) (*Plan, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("plan for %s needs at least one trade type", region)
	}
	tiles, err := Tiles(b, latStep, lngStep)
	if err != nil {
		return nil, fmt.Errorf("plan for %s: %w", region, err)
	}
	return &Plan{Region: region, Bounds: b, Tiles: tiles, TradeTypes: types}, nil
}

// Len is the number of units.
func (p *Plan) Len() int {
	return len(p.Tiles) * len(p.TradeTypes)
}

// Unit returns unit i, where i = tile*len(TradeTypes) + type.
func (p *Plan) Unit(i int) Unit {
	n := len(p.TradeTypes)
	return Unit{Index: i, Tile: p.Tiles[i/n], TradeType: p.TradeTypes[i%n]}
}
