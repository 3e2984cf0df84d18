package cityreg

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/geo/s2"

	"github.com/hazyhaar/crosswalk/pkg/store"
)

const earthRadiusKm = 6371.0088

// MergePolicy bounds which duplicate pairs may be merged automatically.
// A zero field disables its check.
type MergePolicy struct {
	HeavyReferenceThreshold int64
	MaxCoordinateDriftKm    float64
}

// DefaultMergePolicy returns the thresholds used when none are configured.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{HeavyReferenceThreshold: 50, MaxCoordinateDriftKm: 50}
}

// MergeConflictError reports a duplicate pair that needs manual review.
type MergeConflictError struct {
	SurvivorID  int64
	DuplicateID int64
	Reason      string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("cannot merge city %d into %d: %s", e.DuplicateID, e.SurvivorID, e.Reason)
}

// MergeResult summarizes MergeDuplicates or Deduplicate.
type MergeResult struct {
	Merged      int
	VideosMoved int64
	// Errors holds *MergeConflictError values and per-duplicate store failures.
	Errors []error
	// Redirects maps each deleted duplicate id to its survivor.
	Redirects map[int64]int64
}

func (m *MergeResult) add(o MergeResult) {
	m.Merged += o.Merged
	m.VideosMoved += o.VideosMoved
	m.Errors = append(m.Errors, o.Errors...)
	for from, to := range o.Redirects {
		m.redirect(from, to)
	}
}

func (m *MergeResult) redirect(from, to int64) {
	if m.Redirects == nil {
		m.Redirects = make(map[int64]int64)
	}
	m.Redirects[from] = to
}

// Survivor follows Redirects from id to the row that now holds its data.
func (m *MergeResult) Survivor(id int64) int64 {
	for i := 0; i <= len(m.Redirects); i++ {
		next, ok := m.Redirects[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// SortSurvivors orders rows best survivor first: clean display text, then
// more referencing videos, then lowest id.
func (r *Registry) SortSurvivors(cities []store.City) {
	clean := make(map[int64]bool, len(cities))
	for _, c := range cities {
		clean[c.ID] = !r.Corrupted(c.City) && !r.Corrupted(c.Country)
	}
	sort.SliceStable(cities, func(i, j int) bool {
		a, b := cities[i], cities[j]
		if clean[a.ID] != clean[b.ID] {
			return clean[a.ID]
		}
		if a.VideoCount != b.VideoCount {
			return a.VideoCount > b.VideoCount
		}
		return a.ID < b.ID
	})
}

// MergeDuplicates folds each duplicate into canonicalID, one transaction per
// duplicate. Pairs that fail the merge policy are left untouched and
// reported as *MergeConflictError.
func (r *Registry) MergeDuplicates(ctx context.Context, canonicalID int64, duplicateIDs []int64) (MergeResult, error) {
	var res MergeResult
	survivor, err := r.store.CityByID(ctx, canonicalID)
	if err != nil {
		return res, err
	}
	if survivor == nil {
		return res, fmt.Errorf("merge: survivor city %d not found", canonicalID)
	}

	for _, dupID := range duplicateIDs {
		if dupID == canonicalID {
			continue
		}
		dup, err := r.store.CityByID(ctx, dupID)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if dup == nil {
			continue
		}
		if reason := r.policy.conflict(survivor, dup); reason != "" {
			cerr := &MergeConflictError{SurvivorID: canonicalID, DuplicateID: dupID, Reason: reason}
			r.logger.Warn("city merge needs review", "survivor", canonicalID, "duplicate", dupID, "reason", reason)
			res.Errors = append(res.Errors, cerr)
			continue
		}
		moved, err := r.store.MergeCity(ctx, canonicalID, dupID)
		if err != nil {
			r.logger.Warn("city merge failed", "survivor", canonicalID, "duplicate", dupID, "error", err)
			res.Errors = append(res.Errors, err)
			continue
		}
		r.logger.Info("city merged",
			"survivor", canonicalID, "duplicate", dupID,
			"name", dup.City+"/"+dup.Country, "videos_moved", moved)
		res.Merged++
		res.VideosMoved += moved
		res.redirect(dupID, canonicalID)
		// Later conflict checks see the absorbed attributes and videos.
		if survivor, err = r.store.CityByID(ctx, canonicalID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Deduplicate merges every group of rows sharing a canonical key into the
// group's best survivor.
func (r *Registry) Deduplicate(ctx context.Context) (MergeResult, error) {
	var total MergeResult
	keys, err := r.store.DuplicateCanonicalKeys(ctx)
	if err != nil {
		return total, err
	}
	for _, key := range keys {
		group, err := r.store.CitiesByCanonicalKey(ctx, key)
		if err != nil {
			return total, err
		}
		if len(group) < 2 {
			continue
		}
		r.SortSurvivors(group)
		ids := make([]int64, 0, len(group)-1)
		for _, c := range group[1:] {
			ids = append(ids, c.ID)
		}
		res, err := r.MergeDuplicates(ctx, group[0].ID, ids)
		total.add(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// conflict returns a non-empty reason when a and b must not be merged.
func (p MergePolicy) conflict(a, b *store.City) string {
	if p.HeavyReferenceThreshold > 0 &&
		a.VideoCount >= p.HeavyReferenceThreshold && b.VideoCount >= p.HeavyReferenceThreshold {
		return fmt.Sprintf("both rows heavily referenced (%d and %d videos)", a.VideoCount, b.VideoCount)
	}
	if a.ISO3 != nil && b.ISO3 != nil && !strings.EqualFold(*a.ISO3, *b.ISO3) {
		return fmt.Sprintf("different iso3 codes %s and %s", *a.ISO3, *b.ISO3)
	}
	if p.MaxCoordinateDriftKm > 0 {
		if km, ok := distanceKm(a, b); ok && km > p.MaxCoordinateDriftKm {
			return fmt.Sprintf("coordinates %.0f km apart", km)
		}
	}
	return ""
}

// distanceKm is the great-circle distance between two cities, when both
// carry valid coordinates.
func distanceKm(a, b *store.City) (float64, bool) {
	pa, ok := latLng(a)
	if !ok {
		return 0, false
	}
	pb, ok := latLng(b)
	if !ok {
		return 0, false
	}
	return pa.Distance(pb).Radians() * earthRadiusKm, true
}

func latLng(c *store.City) (s2.LatLng, bool) {
	if c.Latitude == nil || c.Longitude == nil {
		return s2.LatLng{}, false
	}
	ll := s2.LatLngFromDegrees(*c.Latitude, *c.Longitude)
	return ll, ll.IsValid()
}
