// Package differ reconciles crawl snapshots with persisted listing state.
package differ

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/storage"
)

// Policy tunes reconciliation.
type Policy struct {
	// SeedHistoryAtCreation records the first observed price as a history
	// entry when a listing is created. Otherwise history starts at the first change.
	SeedHistoryAtCreation bool
}

// PriceChange is an updated listing and the history entry for the price it replaced.
type PriceChange struct {
	Listing  *models.Listing
	Previous models.PriceHistoryEntry
}

// ChangeSet is the reconciliation plan for one scope.
type ChangeSet struct {
	Created      []*models.Listing
	Updated      []*models.Listing // observable fields changed, price unchanged
	Seen         []string          // nothing changed but last_seen
	PriceChanged []PriceChange
	Removed      []string
	Skipped      []string
}

// Summary counts the change set.
func (c ChangeSet) Summary() models.ChangeSummary {
	return models.ChangeSummary{
		Created:      len(c.Created),
		Touched:      len(c.Updated) + len(c.Seen),
		PriceChanged: len(c.PriceChanged),
		Removed:      len(c.Removed),
		Skipped:      len(c.Skipped),
	}
}

// Diff computes the change set for a scope. known holds every persisted
// listing the batch can refer to: the scope's active listings plus any
// snapshot id resolved elsewhere, in any status. Removals are inferred only
// when complete is true, and only for active listings inside the scope.
// Duplicate snapshot ids resolve to the last occurrence.
func Diff(scope models.Scope, snapshots []models.Snapshot, known map[string]*models.Listing, complete bool, now time.Time) ChangeSet {
	var cs ChangeSet

	latest := make(map[string]int, len(snapshots))
	order := make([]string, 0, len(snapshots))
	for i := range snapshots {
		id := snapshots[i].ExternalID
		if _, dup := latest[id]; !dup {
			order = append(order, id)
		}
		latest[id] = i
	}

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		s := &snapshots[latest[id]]
		if err := s.Validate(); err != nil {
			cs.Skipped = append(cs.Skipped, id)
			continue
		}
		seen[id] = true

		l, ok := known[id]
		switch {
		case !ok:
			cs.Created = append(cs.Created, models.NewListing(s, now))
		case l.Status == models.StatusRemoved:
			// removal is one-way; a relisted id stays removed
			cs.Skipped = append(cs.Skipped, id)
		case !l.SamePrice(s):
			next := *l
			next.Apply(s)
			next.LastSeen = now
			cs.PriceChanged = append(cs.PriceChanged, PriceChange{
				Listing: &next,
				Previous: models.PriceHistoryEntry{
					ListingID:   id,
					Price:       l.Price,
					MonthlyRent: l.MonthlyRent,
					Source:      models.SourceCrawl,
					RecordedAt:  now,
				},
			})
		default:
			next := *l
			next.Apply(s)
			next.LastSeen = now
			if sameObservable(l, &next) {
				cs.Seen = append(cs.Seen, id)
			} else {
				cs.Updated = append(cs.Updated, &next)
			}
		}
	}

	if complete {
		for id, l := range known {
			if seen[id] || l.Status != models.StatusActive || l.TradeType != scope.TradeType {
				continue
			}
			if scope.Bounds.Contains(l.Latitude, l.Longitude) {
				cs.Removed = append(cs.Removed, id)
			}
		}
		sort.Strings(cs.Removed)
	}
	return cs
}

func sameObservable(a, b *models.Listing) bool {
	return a.ComplexID == b.ComplexID &&
		a.ComplexName == b.ComplexName &&
		a.TradeType == b.TradeType &&
		a.ExclusiveArea == b.ExclusiveArea &&
		a.Floor == b.Floor &&
		a.Direction == b.Direction &&
		a.Description == b.Description &&
		a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		a.ImageURL == b.ImageURL &&
		a.Realtor == b.Realtor
}

// Result reports what Apply persisted.
type Result struct {
	Summary models.ChangeSummary
	// Affected lists the (complex, trade type) groups whose peer set or
	// prices moved and therefore need rescoring.
	Affected []models.GroupKey
}

// Differ applies change sets to a listing store.
type Differ struct {
	store  storage.ListingStore
	clock  clock.Clock
	policy Policy
}

// New creates a differ.
func New(store storage.ListingStore, clk clock.Clock, policy Policy) *Differ {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Differ{store: store, clock: clk, policy: policy}
}

// Apply loads the scope's persisted state, diffs it against snapshots, and
// persists the result. A price change and its history entry are written
// atomically. On error the returned summary covers what was written before it.
func (d *Differ) Apply(ctx context.Context, scope models.Scope, snapshots []models.Snapshot, complete bool) (Result, error) {
	now := d.clock.Now()

	active, err := d.store.ListActiveInScope(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("load scope %s: %w", scope, err)
	}
	known := make(map[string]*models.Listing, len(active)+len(snapshots))
	for _, l := range active {
		known[l.ID] = l
	}
	for i := range snapshots {
		id := snapshots[i].ExternalID
		if _, ok := known[id]; ok || id == "" {
			continue
		}
		l, err := d.store.GetListing(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("resolve listing %s: %w", id, err)
		}
		known[id] = l
	}

	cs := Diff(scope, snapshots, known, complete, now)
	res := Result{Summary: models.ChangeSummary{Skipped: len(cs.Skipped)}}
	affected := map[models.GroupKey]bool{}

	for _, l := range cs.Created {
		var seed *models.PriceHistoryEntry
		if d.policy.SeedHistoryAtCreation {
			seed = &models.PriceHistoryEntry{
				ListingID:   l.ID,
				Price:       l.Price,
				MonthlyRent: l.MonthlyRent,
				Source:      models.SourceSeed,
				RecordedAt:  now,
			}
		}
		if err := d.store.InsertListing(ctx, l, seed); err != nil {
			return finish(res, affected), fmt.Errorf("create listing %s: %w", l.ID, err)
		}
		res.Summary.Created++
		affected[l.Group()] = true
	}

	for _, pc := range cs.PriceChanged {
		if err := d.store.ApplyPriceChange(ctx, pc.Listing, pc.Previous); err != nil {
			return finish(res, affected), fmt.Errorf("price change %s: %w", pc.Listing.ID, err)
		}
		logger.Debug("Listing %s price %d -> %d", pc.Listing.ID, pc.Previous.Price, pc.Listing.Price)
		res.Summary.PriceChanged++
		affected[pc.Listing.Group()] = true
		if old := known[pc.Listing.ID]; old.Group() != pc.Listing.Group() {
			affected[old.Group()] = true
		}
	}

	for _, l := range cs.Updated {
		if err := d.store.UpdateListing(ctx, l); err != nil {
			return finish(res, affected), fmt.Errorf("update listing %s: %w", l.ID, err)
		}
		res.Summary.Touched++
		affected[l.Group()] = true
		if old := known[l.ID]; old.Group() != l.Group() {
			affected[old.Group()] = true
		}
	}

	for _, id := range cs.Seen {
		if err := d.store.TouchListing(ctx, id, now); err != nil {
			return finish(res, affected), fmt.Errorf("touch listing %s: %w", id, err)
		}
		res.Summary.Touched++
	}

	if len(cs.Removed) > 0 {
		n, err := d.store.MarkRemoved(ctx, cs.Removed, now)
		if err != nil {
			return finish(res, affected), fmt.Errorf("mark removed in %s: %w", scope, err)
		}
		res.Summary.Removed += n
		for _, id := range cs.Removed {
			affected[known[id].Group()] = true
		}
	}

	return finish(res, affected), nil
}

func finish(res Result, affected map[models.GroupKey]bool) Result {
	res.Affected = make([]models.GroupKey, 0, len(affected))
	for k := range affected {
		res.Affected = append(res.Affected, k)
	}
	sort.Slice(res.Affected, func(i, j int) bool {
		a, b := res.Affected[i], res.Affected[j]
		if a.ComplexID != b.ComplexID {
			return a.ComplexID < b.ComplexID
		}
		return a.TradeType < b.TradeType
	})
	return res
}
