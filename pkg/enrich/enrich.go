package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang/geo/s2"

	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Field names reported by MissingFields.
const (
	FieldCountry   = "country"
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldContinent = "continent"
)

// OptionalFields are demographic columns the search service rarely fills.
var OptionalFields = []string{
	"population_city", "population_country", "literacy_rate", "gini",
	"median_age", "avg_height", "traffic_mortality", "gmp",
}

// continentNames maps search-service continent codes to the names the
// source files use.
var continentNames = map[string]string{
	"AF": "Africa",
	"AN": "Antarctica",
	"AS": "Asia",
	"EU": "Europe",
	"NA": "North America",
	"OC": "Oceania",
	"SA": "South America",
}

// ContinentName returns the continent name for a two-letter code. Unknown
// codes are returned trimmed and unchanged.
func ContinentName(code string) string {
	code = strings.TrimSpace(code)
	if name, ok := continentNames[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}

// Searcher looks up candidates by name. *Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, name, state, country string) ([]Candidate, error)
}

// Store reads and updates city rows. *store.Store satisfies it.
type Store interface {
	ListCities(ctx context.Context) ([]store.City, error)
	CityByID(ctx context.Context, id int64) (*store.City, error)
	CityByName(ctx context.Context, city, country string) (*store.City, error)
	ApplyGeocode(ctx context.Context, id int64, u store.GeocodeUpdate) error
}

// Merger folds a placeholder row into an existing one. *cityreg.Registry
// satisfies it.
type Merger interface {
	MergeDuplicates(ctx context.Context, canonicalID int64, duplicateIDs []int64) (cityreg.MergeResult, error)
}

// Status is the outcome of enriching one city.
type Status string

const (
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome records what happened to one city.
type Outcome struct {
	CityID     int64   `json:"city_id"`
	City       string  `json:"city"`
	Country    string  `json:"country"`
	Status     Status  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	Score      float64 `json:"score,omitempty"`
	MergedInto int64   `json:"merged_into,omitempty"`
	Err        error   `json:"-"`
}

// Result is the outcome of Run.
type Result struct {
	Outcomes []Outcome
	Updated  int
	Skipped  int
	Failed   int
	Merged   int
}

func (r *Result) record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusUpdated:
		r.Updated++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
	if o.MergedInto != 0 {
		r.Merged++
	}
}

// Enricher runs the enrichment stage, one city at a time.
type Enricher struct {
	search       Searcher
	store        Store
	merger       Merger
	scorer       *Scorer
	skipOptional bool
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithScorer replaces the default scorer.
func WithScorer(s *Scorer) Option {
	return func(e *Enricher) { e.scorer = s }
}

// WithOptionalFields makes cities whose only gaps are optional demographic
// fields eligible outside force mode. They are still skipped without a call.
func WithOptionalFields() Option {
	return func(e *Enricher) { e.skipOptional = false }
}

// WithClock sets the time source for enriched_at.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// New creates an Enricher.
func New(search Searcher, st Store, merger Merger, logger *slog.Logger, opts ...Option) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enricher{
		search:       search,
		store:        st,
		merger:       merger,
		scorer:       DefaultScorer(),
		skipOptional: true,
		now:          time.Now,
		logger:       logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MissingFields lists the empty critical fields of c, then its empty
// optional fields. A placeholder country counts as missing.
func MissingFields(c *store.City) []string {
	var out []string
	if c.Country == "" || c.Country == store.UnknownCountry {
		out = append(out, FieldCountry)
	}
	if c.Latitude == nil {
		out = append(out, FieldLatitude)
	}
	if c.Longitude == nil {
		out = append(out, FieldLongitude)
	}
	if c.Continent == nil {
		out = append(out, FieldContinent)
	}
	attrs := c.Attrs()
	for _, f := range OptionalFields {
		if attrs.IsNull(f) {
			out = append(out, f)
		}
	}
	return out
}

// IsCritical reports whether field blocks a city from being usable.
func IsCritical(field string) bool {
	switch field {
	case FieldCountry, FieldLatitude, FieldLongitude, FieldContinent:
		return true
	}
	return false
}

// ShouldSkip reports that no external call is worth making: nothing is
// missing, or only optional fields are.
func ShouldSkip(missing []string) bool {
	for _, f := range missing {
		if IsCritical(f) {
			return false
		}
	}
	return true
}

// ListCitiesNeedingUpdate selects cities with a missing critical field or a
// pending enrichment flag. Cities missing only optional fields are included
// when forceAll is set or the enricher was built WithOptionalFields.
func (e *Enricher) ListCitiesNeedingUpdate(ctx context.Context, forceAll bool) ([]store.City, error) {
	all, err := e.store.ListCities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	var out []store.City
	for _, c := range all {
		missing := MissingFields(&c)
		switch {
		case c.NeedsEnrichment, !ShouldSkip(missing):
			out = append(out, c)
		case len(missing) > 0 && (forceAll || !e.skipOptional):
			out = append(out, c)
		}
	}
	return out, nil
}

// Run enriches every listed city in order. A failure on one city is
// recorded and the queue continues; only context cancellation and store
// listing errors stop the run.
func (e *Enricher) Run(ctx context.Context, forceAll bool) (*Result, error) {
	cities, err := e.ListCitiesNeedingUpdate(ctx, forceAll)
	if err != nil {
		return nil, err
	}
	e.logger.Info("enrichment started", "cities", len(cities), "force", forceAll)

	res := &Result{}
	for i := range cities {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("enrich: %w", err)
		}
		o := e.enrichOne(ctx, &cities[i], forceAll)
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("enrich: %w", err)
		}
		res.record(o)
	}

	e.logger.Info("enrichment finished",
		"updated", res.Updated, "skipped", res.Skipped, "failed", res.Failed, "merged", res.Merged)
	return res, nil
}

func (e *Enricher) enrichOne(ctx context.Context, c *store.City, forceAll bool) Outcome {
	o := Outcome{CityID: c.ID, City: c.City, Country: c.Country}
	missing := MissingFields(c)
	if !forceAll && !c.NeedsEnrichment && ShouldSkip(missing) {
		o.Status = StatusSkipped
		o.Reason = "only optional fields missing: " + strings.Join(missing, ",")
		e.logger.Debug("city enrichment skipped", "city", c.City, "reason", o.Reason)
		return o
	}

	cands, err := e.Search(ctx, c)
	if err != nil {
		o.Status, o.Reason, o.Err = StatusFailed, err.Error(), err
		e.logger.Warn("city enrichment failed", "city", c.City, "country", c.Country, "error", err)
		return o
	}

	best, score := e.scorer.ScoreAndSelect(cands, c.City)
	if best == nil {
		o.Status = StatusSkipped
		o.Reason = fmt.Sprintf("no candidate scored %.2f or more among %d", e.scorer.MinScore, len(cands))
		e.logger.Info("city enrichment found no match", "city", c.City, "candidates", len(cands))
		return o
	}
	o.Score = score

	into, err := e.Apply(ctx, c.ID, *best)
	if err != nil {
		o.Status, o.Reason, o.Err = StatusFailed, err.Error(), err
		e.logger.Warn("city enrichment not applied", "city", c.City, "candidate", best.Name, "error", err)
		return o
	}
	o.Status = StatusUpdated
	if into != c.ID {
		o.MergedInto = into
	}
	e.logger.Debug("city enriched", "city", c.City, "candidate", best.Name, "country", best.CountryName, "score", score)
	return o
}

// Search queries the service with the city's name and any known state and
// country.
func (e *Enricher) Search(ctx context.Context, c *store.City) ([]Candidate, error) {
	var state, country string
	if c.State != nil {
		state = *c.State
	}
	if c.Country != store.UnknownCountry {
		country = c.Country
	}
	return e.search.Search(ctx, c.City, state, country)
}

// Apply writes cand to city id and returns the id of the row that holds the
// result. Coordinates and continent are overwritten; state and population
// only fill nulls; the country is replaced only when it is the placeholder.
// If replacing the placeholder would duplicate an existing (city, country)
// row, the placeholder row is merged into that row first.
func (e *Enricher) Apply(ctx context.Context, id int64, cand Candidate) (int64, error) {
	c, err := e.store.CityByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, fmt.Errorf("apply: city %d not found", id)
	}

	u := store.GeocodeUpdate{EnrichedAt: e.now().Unix()}
	if ll := s2.LatLngFromDegrees(cand.Lat.Value, cand.Lng.Value); cand.Lat.Valid && cand.Lng.Valid && ll.IsValid() {
		lat, lng := cand.Lat.Value, cand.Lng.Value
		u.Latitude, u.Longitude = &lat, &lng
	}
	if v := ContinentName(cand.ContinentCode); v != "" {
		u.Continent = &v
	}
	if v := strings.TrimSpace(cand.AdminName1); v != "" {
		u.State = &v
	}
	if cand.Population.Valid && cand.Population.Value > 0 {
		p := int64(cand.Population.Value)
		u.Population = &p
	}

	target := c.ID
	country := strings.TrimSpace(cand.CountryName)
	if c.Country == store.UnknownCountry && country != "" {
		existing, err := e.store.CityByName(ctx, c.City, country)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			res, err := e.merger.MergeDuplicates(ctx, existing.ID, []int64{c.ID})
			if err != nil {
				return 0, err
			}
			if len(res.Errors) > 0 {
				return 0, errors.Join(res.Errors...)
			}
			target = existing.ID
			if c, err = e.store.CityByID(ctx, target); err != nil {
				return 0, err
			}
		} else {
			key := cityreg.Key(c.City, country)
			u.Country, u.CanonicalKey = &country, &key
		}
	}

	u.StillMissing = stillMissing(c, u)
	if err := e.store.ApplyGeocode(ctx, target, u); err != nil {
		return 0, err
	}
	return target, nil
}

// stillMissing reports whether a critical field stays empty after u.
func stillMissing(c *store.City, u store.GeocodeUpdate) bool {
	countryMissing := c.Country == store.UnknownCountry && u.Country == nil
	return countryMissing ||
		(c.Latitude == nil && u.Latitude == nil) ||
		(c.Longitude == nil && u.Longitude == nil) ||
		(c.Continent == nil && u.Continent == nil)
}
