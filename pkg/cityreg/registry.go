package cityreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/crosswalk/pkg/rows"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Store is the persistence the registry needs. *store.Store satisfies it.
type Store interface {
	CityByName(ctx context.Context, city, country string) (*store.City, error)
	CityByID(ctx context.Context, id int64) (*store.City, error)
	CitiesByCanonicalKey(ctx context.Context, key string) ([]store.City, error)
	CitiesByCityKey(ctx context.Context, cityKey string) ([]store.City, error)
	DuplicateCanonicalKeys(ctx context.Context) ([]string, error)
	InsertCity(ctx context.Context, c store.NewCity) (int64, bool, error)
	FillCity(ctx context.Context, id int64, attrs store.CityAttrs) ([]string, error)
	SetNeedsEnrichment(ctx context.Context, id int64, v bool) error
	MergeCity(ctx context.Context, survivorID, duplicateID int64) (int64, error)
}

// ErrEmptyName is returned when a city or country name is blank.
var ErrEmptyName = errors.New("empty city or country name")

// Outcome says how ResolveOrCreate found its row.
type Outcome int

const (
	Created  Outcome = iota // new row inserted
	Matched                 // exact (city, country) row
	Resolved                // different spelling, same canonical key
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Matched:
		return "matched"
	case Resolved:
		return "resolved"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Resolution is the result of ResolveOrCreate.
type Resolution struct {
	ID      int64
	Outcome Outcome
	// Filled lists attribute columns that were null and got a value.
	Filled []string
}

// Registry resolves (city, country) pairs to canonical rows.
type Registry struct {
	store  Store
	fixes  *Corrections
	policy MergePolicy
	logger *slog.Logger
}

// New creates a Registry. fixes may be nil.
func New(st Store, fixes *Corrections, policy MergePolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, fixes: fixes, policy: policy, logger: logger}
}

// CorrectKnownCorruption applies the correction dictionary to s.
func (r *Registry) CorrectKnownCorruption(s string) string {
	return r.fixes.Correct(s)
}

// CanonicalKey computes the identity key of a raw (city, country) pair.
func (r *Registry) CanonicalKey(city, country string) string {
	return Key(r.fixes.Correct(city), r.fixes.Correct(country))
}

// Corrupted reports whether s still looks mis-decoded.
func (r *Registry) Corrupted(s string) bool {
	return rows.CorruptionScore(s) > 0 || r.fixes.Matches(s)
}

// ResolveOrCreate returns the id of the row denoting (rawCity, rawCountry),
// filling its null attributes from attrs, or inserts a new row. A true
// needsEnrichment flags the row; it never clears an existing flag.
//
// A placeholder country resolves to the single known-country row of the
// same city, if there is one, so that a pair whose placeholder row was
// already enriched does not create a new one.
func (r *Registry) ResolveOrCreate(ctx context.Context, rawCity, rawCountry string, attrs store.CityAttrs, needsEnrichment bool) (Resolution, error) {
	city := strings.TrimSpace(r.fixes.Correct(rawCity))
	country := strings.TrimSpace(r.fixes.Correct(rawCountry))
	if city == "" || country == "" {
		return Resolution{}, fmt.Errorf("resolve %q/%q: %w", rawCity, rawCountry, ErrEmptyName)
	}
	key := Key(city, country)

	exact, err := r.store.CityByName(ctx, city, country)
	if err != nil {
		return Resolution{}, err
	}
	if exact != nil {
		return r.update(ctx, exact.ID, Matched, attrs, needsEnrichment)
	}

	candidates, err := r.store.CitiesByCanonicalKey(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	if len(candidates) > 0 {
		r.SortSurvivors(candidates)
		target := candidates[0]
		r.logger.Debug("city resolved by canonical key",
			"raw", rawCity+"/"+rawCountry, "stored", target.City+"/"+target.Country, "key", key)
		return r.update(ctx, target.ID, Resolved, attrs, needsEnrichment)
	}

	if country == store.UnknownCountry {
		known, err := r.knownCountryRow(ctx, city)
		if err != nil {
			return Resolution{}, err
		}
		if known != nil {
			r.logger.Debug("placeholder country resolved to known row",
				"raw", rawCity, "stored", known.City+"/"+known.Country)
			return r.update(ctx, known.ID, Resolved, attrs, false)
		}
	}

	id, created, err := r.store.InsertCity(ctx, store.NewCity{
		City:            city,
		Country:         country,
		CanonicalKey:    key,
		NeedsEnrichment: needsEnrichment,
		Attrs:           attrs,
	})
	if err != nil {
		return Resolution{}, err
	}
	if !created {
		return r.update(ctx, id, Matched, attrs, needsEnrichment)
	}
	return Resolution{ID: id, Outcome: Created}, nil
}

func (r *Registry) update(ctx context.Context, id int64, outcome Outcome, attrs store.CityAttrs, needsEnrichment bool) (Resolution, error) {
	filled, err := r.store.FillCity(ctx, id, attrs)
	if err != nil {
		return Resolution{}, err
	}
	if needsEnrichment {
		if err := r.store.SetNeedsEnrichment(ctx, id, true); err != nil {
			return Resolution{}, err
		}
	}
	return Resolution{ID: id, Outcome: outcome, Filled: filled}, nil
}

// knownCountryRow returns the best row for city among those with a real
// country, or nil when there is none or the rows disagree on the country.
func (r *Registry) knownCountryRow(ctx context.Context, city string) (*store.City, error) {
	all, err := r.store.CitiesByCityKey(ctx, Normalize(city))
	if err != nil {
		return nil, err
	}
	var (
		known []store.City
		key   string
	)
	for _, c := range all {
		if c.Country == store.UnknownCountry {
			continue
		}
		if key != "" && c.CanonicalKey != key {
			return nil, nil
		}
		key = c.CanonicalKey
		known = append(known, c)
	}
	if len(known) == 0 {
		return nil, nil
	}
	r.SortSurvivors(known)
	return &known[0], nil
}
