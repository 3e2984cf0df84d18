package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/rows"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

var errMissingCity = errors.New("missing city name")

// Countries for cities known to be exported without one, keyed by
// normalized city name.
var missingCountryFixes = map[string]string{
	"singapore": "Singapore",
}

// cityKey is a raw (city, country) pair as written in the primary files.
type cityKey struct {
	city, country string
}

func (k cityKey) String() string {
	return k.city + "/" + k.country
}

func rowCityKey(row rows.Row) cityKey {
	return cityKey{city: row.Text("city"), country: row.Text("country")}
}

// countryFor returns the country to store and whether the row is deferred
// to enrichment under the placeholder.
func countryFor(k cityKey) (string, bool) {
	if k.country != "" {
		return k.country, false
	}
	if fix, ok := missingCountryFixes[cityreg.Normalize(k.city)]; ok {
		return fix, false
	}
	return store.UnknownCountry, true
}

// buildCities resolves every city pair of the video and city files and
// returns the run-scoped pair -> id map used by the video step.
func (a *Aggregator) buildCities(ctx context.Context, t primaryTables, res *Result) (map[cityKey]int64, error) {
	ids := make(map[cityKey]int64)
	for _, tbl := range []*rows.Table{t.videos, t.cities} {
		for row, err := range tbl.Rows() {
			if err := ctxDone(ctx); err != nil {
				return nil, err
			}
			if err != nil {
				res.Cities.Failed++
				res.fail("city", tbl.File, err)
				a.logger.Warn("city row unreadable", "file", tbl.File, "error", err)
				continue
			}

			k := rowCityKey(row)
			if k.city == "" {
				res.Cities.Skipped++
				res.fail("city", fmt.Sprintf("%s line %d", tbl.File, row.Line), errMissingCity)
				a.logger.Warn("city row skipped", "file", tbl.File, "line", row.Line, "error", errMissingCity)
				continue
			}
			// Video rows repeat their city; the first occurrence resolves it.
			if _, seen := ids[k]; seen && tbl == t.videos {
				continue
			}

			attrs, err := cityAttrs(row)
			if err != nil {
				res.Cities.Failed++
				res.fail("city", k.String(), err)
				a.logger.Warn("city row dropped", "file", tbl.File, "city", k.String(), "error", err)
				continue
			}

			country, deferred := countryFor(k)
			r, err := a.cities.ResolveOrCreate(ctx, k.city, country, attrs, deferred)
			if err != nil {
				res.Cities.Failed++
				res.fail("city", k.String(), err)
				a.logger.Warn("city not resolved", "file", tbl.File, "city", k.String(), "error", err)
				continue
			}
			if _, seen := ids[k]; !seen {
				res.Cities.Rows++
			}
			ids[k] = r.ID

			switch {
			case r.Outcome == cityreg.Created:
				res.Cities.Created++
			case len(r.Filled) > 0:
				res.Cities.Updated++
			default:
				res.Cities.Unchanged++
			}
			if deferred && r.Outcome != cityreg.Resolved {
				a.logger.Debug("city country deferred to enrichment", "city", k.city, "id", r.ID)
			}
		}
	}

	merged, err := a.cities.Deduplicate(ctx)
	res.Dedupe = merged
	res.Cities.Merged = merged.Merged
	for _, e := range merged.Errors {
		res.fail("city", "dedupe", e)
	}
	if err != nil {
		res.fail("city", "dedupe", err)
		a.logger.Warn("city dedupe incomplete", "error", err)
	}
	for k, id := range ids {
		ids[k] = merged.Survivor(id)
	}

	a.logger.Info("cities built",
		"pairs", res.Cities.Rows, "created", res.Cities.Created, "updated", res.Cities.Updated,
		"merged", res.Cities.Merged, "failed", res.Cities.Failed)
	return ids, nil
}

// cityAttrs reads the optional city columns shared by the video and city files.
func cityAttrs(row rows.Row) (store.CityAttrs, error) {
	var (
		a    store.CityAttrs
		errs []error
	)
	text := func(cols ...string) *string {
		for _, c := range cols {
			if v := row.String(c); v != nil {
				return v
			}
		}
		return nil
	}
	num := func(cols ...string) *float64 {
		for _, c := range cols {
			v, err := row.Float(c)
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if v != nil {
				return v
			}
		}
		return nil
	}
	count := func(cols ...string) *int64 {
		for _, c := range cols {
			v, err := row.Int(c)
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if v != nil {
				return v
			}
		}
		return nil
	}

	a.State = text("state", "state_province")
	a.ISO3 = text("iso3", "iso_3")
	a.Continent = text("continent")
	a.Latitude = num("latitude", "lat")
	a.Longitude = num("longitude", "lon", "lng")
	a.PopulationCity = count("population_city", "population")
	a.PopulationCountry = count("population_country")
	a.LiteracyRate = num("literacy_rate")
	a.Gini = num("gini")
	a.MedianAge = num("median_age")
	a.AvgHeight = num("avg_height")
	a.TrafficMortality = num("traffic_mortality")
	a.GMP = num("gmp")
	return a, errors.Join(errs...)
}
