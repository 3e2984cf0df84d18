package store

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
)

// City is one row of the city table. VideoCount is filled only by queries
// that compute it.
type City struct {
	ID                int64    `db:"id"`
	City              string   `db:"city"`
	Country           string   `db:"country"`
	State             *string  `db:"state"`
	ISO3              *string  `db:"iso3"`
	Continent         *string  `db:"continent"`
	Latitude          *float64 `db:"latitude"`
	Longitude         *float64 `db:"longitude"`
	PopulationCity    *int64   `db:"population_city"`
	PopulationCountry *int64   `db:"population_country"`
	LiteracyRate      *float64 `db:"literacy_rate"`
	Gini              *float64 `db:"gini"`
	MedianAge         *float64 `db:"median_age"`
	AvgHeight         *float64 `db:"avg_height"`
	TrafficMortality  *float64 `db:"traffic_mortality"`
	GMP               *float64 `db:"gmp"`
	CanonicalKey      string   `db:"canonical_key"`
	NeedsEnrichment   bool     `db:"needs_enrichment"`
	EnrichedAt        *int64   `db:"enriched_at"`
	VideoCount        int64    `db:"video_count"`
}

// CityAttrs carries the nullable attributes of a city. Nil means "no value".
type CityAttrs struct {
	State             *string
	ISO3              *string
	Continent         *string
	Latitude          *float64
	Longitude         *float64
	PopulationCity    *int64
	PopulationCountry *int64
	LiteracyRate      *float64
	Gini              *float64
	MedianAge         *float64
	AvgHeight         *float64
	TrafficMortality  *float64
	GMP               *float64
}

// Values returns the attributes keyed by column name, nil entries included.
func (a CityAttrs) Values() map[string]any {
	return map[string]any{
		"state":              a.State,
		"iso3":               a.ISO3,
		"continent":          a.Continent,
		"latitude":           a.Latitude,
		"longitude":          a.Longitude,
		"population_city":    a.PopulationCity,
		"population_country": a.PopulationCountry,
		"literacy_rate":      a.LiteracyRate,
		"gini":               a.Gini,
		"median_age":         a.MedianAge,
		"avg_height":         a.AvgHeight,
		"traffic_mortality":  a.TrafficMortality,
		"gmp":                a.GMP,
	}
}

// IsNull reports whether column col holds no value. Unknown columns are null.
func (a CityAttrs) IsNull(col string) bool {
	return isNil(a.Values()[col])
}

// Attrs returns the city's attribute columns.
func (c *City) Attrs() CityAttrs {
	return CityAttrs{
		State: c.State, ISO3: c.ISO3, Continent: c.Continent,
		Latitude: c.Latitude, Longitude: c.Longitude,
		PopulationCity: c.PopulationCity, PopulationCountry: c.PopulationCountry,
		LiteracyRate: c.LiteracyRate, Gini: c.Gini, MedianAge: c.MedianAge,
		AvgHeight: c.AvgHeight, TrafficMortality: c.TrafficMortality, GMP: c.GMP,
	}
}

// NewCity is the input to InsertCity.
type NewCity struct {
	City            string
	Country         string
	CanonicalKey    string
	NeedsEnrichment bool
	Attrs           CityAttrs
}

const citySelect = `SELECT c.id, c.city, c.country, c.state, c.iso3, c.continent,
	c.latitude, c.longitude, c.population_city, c.population_country,
	c.literacy_rate, c.gini, c.median_age, c.avg_height, c.traffic_mortality, c.gmp,
	c.canonical_key, c.needs_enrichment, c.enriched_at,
	(SELECT COUNT(*) FROM video v WHERE v.city_id = c.id) AS video_count
	FROM city c`

// CityByName returns the row with exactly this (city, country), or nil.
func (s *Store) CityByName(ctx context.Context, city, country string) (*City, error) {
	var c City
	err := s.db.GetContext(ctx, &c, s.db.Rebind(citySelect+` WHERE c.city = ? AND c.country = ?`), city, country)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("city %s/%s: %w", city, country, err)
	}
	return &c, nil
}

// CityByID returns one city, or nil.
func (s *Store) CityByID(ctx context.Context, id int64) (*City, error) {
	var c City
	err := s.db.GetContext(ctx, &c, s.db.Rebind(citySelect+` WHERE c.id = ?`), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("city %d: %w", id, err)
	}
	return &c, nil
}

// CitiesByCanonicalKey returns every row sharing key, ordered by id.
func (s *Store) CitiesByCanonicalKey(ctx context.Context, key string) ([]City, error) {
	var out []City
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(citySelect+` WHERE c.canonical_key = ? ORDER BY c.id`), key); err != nil {
		return nil, fmt.Errorf("cities by key %s: %w", key, err)
	}
	return out, nil
}

// CitiesByCityKey returns every row whose canonical key starts with the
// normalized city name cityKey, whatever its country, ordered by id.
func (s *Store) CitiesByCityKey(ctx context.Context, cityKey string) ([]City, error) {
	prefix := cityKey + "_"
	var out []City
	q := s.db.Rebind(citySelect + ` WHERE substr(c.canonical_key, 1, ?) = ? ORDER BY c.id`)
	if err := s.db.SelectContext(ctx, &out, q, utf8.RuneCountInString(prefix), prefix); err != nil {
		return nil, fmt.Errorf("cities by city key %s: %w", cityKey, err)
	}
	return out, nil
}

// ListCities returns all cities ordered by id.
func (s *Store) ListCities(ctx context.Context) ([]City, error) {
	var out []City
	if err := s.db.SelectContext(ctx, &out, citySelect+` ORDER BY c.id`); err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	return out, nil
}

// DuplicateCanonicalKeys lists the keys held by more than one row.
func (s *Store) DuplicateCanonicalKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT canonical_key FROM city GROUP BY canonical_key HAVING COUNT(*) > 1 ORDER BY canonical_key`)
	if err != nil {
		return nil, fmt.Errorf("duplicate keys: %w", err)
	}
	return keys, nil
}

// CountCities returns the number of city rows.
func (s *Store) CountCities(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM city`)
}

// InsertCity inserts a new row. If (city, country) already exists nothing is
// written and the existing id is returned with created=false.
func (s *Store) InsertCity(ctx context.Context, c NewCity) (id int64, created bool, err error) {
	cols := []string{"city", "country", "canonical_key", "needs_enrichment"}
	args := []any{c.City, c.Country, c.CanonicalKey, c.NeedsEnrichment}
	values := c.Attrs.Values()
	for _, col := range CityColumns {
		cols = append(cols, col.Name)
		args = append(args, values[col.Name])
	}

	q := fmt.Sprintf(`INSERT INTO city (%s) VALUES (%s)
		ON CONFLICT (city, country) DO NOTHING RETURNING id`,
		strings.Join(cols, ", "), placeholders(len(cols)))
	err = s.db.QueryRowxContext(ctx, s.db.Rebind(q), args...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !notFound(err) {
		return 0, false, fmt.Errorf("insert city %s/%s: %w", c.City, c.Country, err)
	}
	existing, err := s.CityByName(ctx, c.City, c.Country)
	if err != nil {
		return 0, false, err
	}
	if existing == nil {
		return 0, false, fmt.Errorf("insert city %s/%s: conflict but no row", c.City, c.Country)
	}
	return existing.ID, false, nil
}

// FillCity writes each non-nil attribute into the row only where the stored
// value is null. It never overwrites, and returns the columns it filled.
func (s *Store) FillCity(ctx context.Context, id int64, attrs CityAttrs) ([]string, error) {
	current, err := s.CityByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("fill city %d: not found", id)
	}

	incoming := attrs.Values()
	stored := current.Attrs()
	var (
		filled []string
		sets   []string
		args   []any
	)
	for _, col := range CityColumns {
		in := incoming[col.Name]
		if isNil(in) || !stored.IsNull(col.Name) {
			continue
		}
		filled = append(filled, col.Name)
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, ?)", col.Name, col.Name))
		args = append(args, in)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	args = append(args, id)
	q := `UPDATE city SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("fill city %d: %w", id, err)
	}
	return filled, nil
}

// SetNeedsEnrichment flags or clears a city for geocoding.
func (s *Store) SetNeedsEnrichment(ctx context.Context, id int64, v bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE city SET needs_enrichment = ? WHERE id = ?`), v, id)
	if err != nil {
		return fmt.Errorf("flag city %d: %w", id, err)
	}
	return nil
}

// MergeCity folds duplicate into survivor in one transaction: videos move to
// the survivor, survivor nulls are filled from the duplicate, and the
// duplicate row is deleted. It returns the number of videos moved.
func (s *Store) MergeCity(ctx context.Context, survivorID, duplicateID int64) (int64, error) {
	if survivorID == duplicateID {
		return 0, fmt.Errorf("merge city %d into itself", survivorID)
	}
	var moved int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE video SET city_id = ? WHERE city_id = ?`), survivorID, duplicateID)
		if err != nil {
			return fmt.Errorf("move videos: %w", err)
		}
		moved, _ = res.RowsAffected()

		sets := make([]string, 0, len(CityColumns))
		for _, col := range CityColumns {
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, (SELECT d.%s FROM city d WHERE d.id = ?))", col.Name, col.Name, col.Name))
		}
		args := make([]any, 0, len(CityColumns)+1)
		for range CityColumns {
			args = append(args, duplicateID)
		}
		args = append(args, survivorID)
		q := `UPDATE city SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
			return fmt.Errorf("fill survivor: %w", err)
		}

		res, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM city WHERE id = ?`), duplicateID)
		if err != nil {
			return fmt.Errorf("delete duplicate: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("delete duplicate %d: %d rows affected", duplicateID, n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge city %d into %d: %w", duplicateID, survivorID, err)
	}
	return moved, nil
}

// GeocodeUpdate is the write applied after a successful enrichment match.
type GeocodeUpdate struct {
	// Country and CanonicalKey replace the stored values only when the stored
	// country is the placeholder.
	Country      *string
	CanonicalKey *string
	State        *string  // filled if null
	Latitude     *float64 // overwritten
	Longitude    *float64 // overwritten
	Continent    *string  // overwritten
	Population   *int64   // filled if null
	StillMissing bool
	EnrichedAt   int64
}

// ApplyGeocode writes an enrichment result to one city row.
func (s *Store) ApplyGeocode(ctx context.Context, id int64, u GeocodeUpdate) error {
	const q = `UPDATE city SET
		canonical_key = CASE WHEN country = ? THEN COALESCE(?, canonical_key) ELSE canonical_key END,
		country = CASE WHEN country = ? THEN COALESCE(?, country) ELSE country END,
		state = COALESCE(state, ?),
		latitude = COALESCE(?, latitude),
		longitude = COALESCE(?, longitude),
		continent = COALESCE(?, continent),
		population_city = COALESCE(population_city, ?),
		needs_enrichment = ?,
		enriched_at = ?
		WHERE id = ?`
	_, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		UnknownCountry, u.CanonicalKey,
		UnknownCountry, u.Country,
		u.State, u.Latitude, u.Longitude, u.Continent, u.Population,
		u.StillMissing, u.EnrichedAt, id)
	if err != nil {
		return fmt.Errorf("apply geocode to city %d: %w", id, err)
	}
	return nil
}

func isNil(v any) bool {
	switch p := v.(type) {
	case nil:
		return true
	case *string:
		return p == nil
	case *float64:
		return p == nil
	case *int64:
		return p == nil
	case *bool:
		return p == nil
	}
	return false
}
