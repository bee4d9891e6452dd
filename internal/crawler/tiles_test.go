package crawler

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/geupmae/internal/models"
)

func TestTiles_CoverRegionDisjointly(t *testing.T) {
	b := models.Bounds{South: 37.41, West: 126.76, North: 37.72, East: 127.19}
	tiles, err := Tiles(b, 0.02, 0.025)
	require.NoError(t, err)

	// 0.31/0.02 -> 16 rows, 0.43/0.025 -> 18 cols
	require.Len(t, tiles, 16*18)
	last := tiles[len(tiles)-1]
	assert.Equal(t, b.North, last.Bounds.North, "edge tile is clipped to the region")
	assert.Equal(t, b.East, last.Bounds.East)

	// row-major: index walks west to east, then south to north
	assert.Equal(t, 0, tiles[1].Row)
	assert.Equal(t, 1, tiles[1].Col)
	assert.Equal(t, 1, tiles[18].Row)
	assert.Equal(t, 0, tiles[18].Col)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		lat := b.South + rng.Float64()*(b.North-b.South)
		lng := b.West + rng.Float64()*(b.East-b.West)
		hits := 0
		for _, tile := range tiles {
			if tile.Bounds.Contains(lat, lng) {
				hits++
			}
		}
		require.Equal(t, 1, hits, "point (%f, %f) must fall in exactly one tile", lat, lng)
	}
}

func TestTiles_ExactMultipleHasNoSliver(t *testing.T) {
	b := models.Bounds{South: 37.0, West: 127.0, North: 37.1, East: 127.1}
	tiles, err := Tiles(b, 0.05, 0.05)
	require.NoError(t, err)
	assert.Len(t, tiles, 4)
}

func TestTiles_RegionSmallerThanStep(t *testing.T) {
	b := models.Bounds{South: 37.0, West: 127.0, North: 37.001, East: 127.001}
	tiles, err := Tiles(b, 0.05, 0.05)
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, b, tiles[0].Bounds)
}

func TestTiles_Invalid(t *testing.T) {
	_, err := Tiles(models.Bounds{South: 1, North: 0, West: 0, East: 1}, 0.1, 0.1)
	assert.Error(t, err)
	_, err = Tiles(models.Bounds{South: 0, North: 1, West: 0, East: 1}, 0, 0.1)
	assert.Error(t, err)
}

func TestPlan_UnitIndexing(t *testing.T) {
	types := []models.TradeType{models.TradeSale, models.TradeLease, models.TradeRent}
	plan, err := NewPlan("x", models.Bounds{South: 37.0, West: 127.0, North: 37.1, East: 127.1}, 0.05, 0.05, types)
	require.NoError(t, err)
	require.Equal(t, 12, plan.Len())

	u := plan.Unit(7)
	assert.Equal(t, 7, u.Index)
	assert.Equal(t, 2, u.Tile.Index)
	assert.Equal(t, models.TradeLease, u.TradeType)
	assert.Equal(t, models.Scope{Bounds: u.Tile.Bounds, TradeType: models.TradeLease}, u.Scope())

	_, err = NewPlan("x", models.Bounds{South: 37.0, West: 127.0, North: 37.1, East: 127.1}, 0.05, 0.05, nil)
	assert.Error(t, err)
}

func TestArticle_Snapshot(t *testing.T) {
	raw := `{
		"atclNo": "2412345678", "hscpNo": "1147", "atclNm": "은마",
		"tradTpCd": "B2", "prc": 10000, "rentPrc": "150",
		"spc2": "76.79", "flrInfo": "3/14", "direction": "남동향",
		"atclFetrDesc": "급전세", "atclCfmYmd": "26.09.28",
		"lat": 37.4979, "lng": "127.0629", "repImgUrl": "/img.jpg", "rltrNm": "은마공인"
	}`
	var a Article
	require.NoError(t, json.Unmarshal([]byte(raw), &a))

	seen := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	s, err := a.Snapshot(models.TradeRent, seen)
	require.NoError(t, err)
	assert.Equal(t, "2412345678", s.ExternalID)
	assert.Equal(t, "1147", s.ComplexID)
	assert.Equal(t, int64(100_000_000), s.Price, "10000만원 deposit")
	assert.Equal(t, int64(1_500_000), s.MonthlyRent, "150만원 monthly")
	assert.InDelta(t, 76.79, s.ExclusiveArea, 1e-9)
	assert.InDelta(t, 127.0629, s.Longitude, 1e-9)
	assert.Equal(t, 2026, s.ConfirmedAt.Year())
	assert.Equal(t, time.September, s.ConfirmedAt.Month())
	assert.Equal(t, 28, s.ConfirmedAt.Day())
	assert.Equal(t, seen, s.FirstSeen)

	sale, err := a.Snapshot(models.TradeSale, seen)
	require.NoError(t, err)
	assert.Zero(t, sale.MonthlyRent, "monthly rent only applies to rent listings")
}

func TestArticle_SnapshotRejectsBadInput(t *testing.T) {
	_, err := Article{AtclNo: "1", HscpNo: "2", AtclCfmYmd: "2026-09-28"}.Snapshot(models.TradeSale, time.Now())
	assert.Error(t, err)

	_, err = Article{AtclNo: "1"}.Snapshot(models.TradeSale, time.Now())
	assert.Error(t, err, "complex id is required")

	var f flexFloat
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
	require.NoError(t, json.Unmarshal([]byte(`"1,250"`), &f))
	assert.Equal(t, flexFloat(1250), f)
	require.NoError(t, json.Unmarshal([]byte(`null`), &f))
	assert.Zero(t, f)
}
