package cityreg

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/crosswalk/pkg/store"
)

func tempRegistry(t *testing.T, policy MergePolicy) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "cities.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fixes, err := DefaultCorrections()
	if err != nil {
		t.Fatalf("DefaultCorrections: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(st, fixes, policy, logger), st
}

func f64(v float64) *float64 { return &v }
func str(s string) *string { return &s }

func TestNormalize(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"Łódź", "lodz"},
		{"São Paulo", "saopaulo"},
		{"Saint-Étienne", "saintetienne"},
		{"KØBENHAVN", "kobenhavn"},
		{"Đà Nẵng", "danang"},
		{"Straße", "strasse"},
		{"İstanbul", "istanbul"},
		{"N'Djamena", "ndjamena"},
		{"東京", "東京"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.input); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCorrectKnownCorruption(t *testing.T) {
	r, _ := tempRegistry(t, DefaultMergePolicy())
	tests := []struct {
		input, want string
	}{
		{"Asunci¨®n", "Asunción"},
		{"BogotÃ¡", "Bogotá"},
		{"KrakÃ³w", "Kraków"},
		{"GdaÅ„sk", "Gdańsk"},
		{"Lyon", "Lyon"},
	}
	for _, tt := range tests {
		if got := r.CorrectKnownCorruption(tt.input); got != tt.want {
			t.Errorf("CorrectKnownCorruption(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseCorrections_Validation(t *testing.T) {
	for _, data := range []string{
		"replacements:\n  - {from: \"\", to: x}\n",
		"replacements:\n  - {from: a, to: b}\n  - {from: a, to: c}\n",
		"replacements: [",
	} {
		if _, err := ParseCorrections([]byte(data)); err == nil {
			t.Errorf("ParseCorrections(%q): expected error", data)
		}
	}
}

func TestLoadCorrections_ExternalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixes.yaml")
	os.WriteFile(path, []byte("replacements:\n  - {from: \"Krakow\", to: \"Kraków\"}\n"), 0o644)
	c, err := LoadCorrections(path)
	if err != nil {
		t.Fatalf("LoadCorrections: %v", err)
	}
	if c.Len() != 1 || c.Correct("Krakow") != "Kraków" {
		t.Errorf("Correct = %q", c.Correct("Krakow"))
	}
}

func TestResolveOrCreate_EncodingRepair(t *testing.T) {
	r, st := tempRegistry(t, DefaultMergePolicy())
	ctx := context.Background()

	clean, err := r.ResolveOrCreate(ctx, "Asunción", "Paraguay", store.CityAttrs{}, false)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if clean.Outcome != Created {
		t.Errorf("first outcome = %s, want created", clean.Outcome)
	}

	broken, err := r.ResolveOrCreate(ctx, "Asunci¨®n", "Paraguay", store.CityAttrs{Gini: f64(0.45)}, false)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if broken.ID != clean.ID {
		t.Errorf("corrupted spelling resolved to %d, want %d", broken.ID, clean.ID)
	}
	if len(broken.Filled) != 1 || broken.Filled[0] != "gini" {
		t.Errorf("Filled = %v, want [gini]", broken.Filled)
	}
	if n, _ := st.CountCities(ctx); n != 1 {
		t.Errorf("cities = %d, want 1", n)
	}
}

func TestResolveOrCreate_CanonicalKeyPath(t *testing.T) {
	r, st := tempRegistry(t, DefaultMergePolicy())
	ctx := context.Background()

	first, _ := r.ResolveOrCreate(ctx, "Łódź", "Poland", store.CityAttrs{}, false)
	second, err := r.ResolveOrCreate(ctx, "LODZ", "poland", store.CityAttrs{Latitude: f64(51.76)}, true)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if second.ID != first.ID || second.Outcome != Resolved {
		t.Errorf("second = %+v, want resolved to %d", second, first.ID)
	}
	c, _ := st.CityByID(ctx, first.ID)
	if c.City != "Łódź" || !c.NeedsEnrichment || c.Latitude == nil {
		t.Errorf("row = %+v", c)
	}

	// A flag set earlier is never cleared by a later observation.
	r.ResolveOrCreate(ctx, "Łódź", "Poland", store.CityAttrs{}, false)
	c, _ = st.CityByID(ctx, first.ID)
	if !c.NeedsEnrichment {
		t.Error("needs_enrichment cleared")
	}
}

func TestResolveOrCreate_PlaceholderFindsKnownCountry(t *testing.T) {
	r, st := tempRegistry(t, DefaultMergePolicy())
	ctx := context.Background()

	known, _ := r.ResolveOrCreate(ctx, "Testville", "Testland", store.CityAttrs{}, false)
	got, err := r.ResolveOrCreate(ctx, "testville", store.UnknownCountry, store.CityAttrs{Latitude: f64(1)}, true)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if got.ID != known.ID || got.Outcome != Resolved {
		t.Errorf("placeholder = %+v, want resolved to %d", got, known.ID)
	}
	if n, _ := st.CountCities(ctx); n != 1 {
		t.Errorf("cities = %d, want 1", n)
	}
	c, _ := st.CityByID(ctx, known.ID)
	if c.NeedsEnrichment || c.Latitude == nil {
		t.Errorf("row = %+v", c)
	}

	// Two countries for the same name: the placeholder stays its own row.
	r.ResolveOrCreate(ctx, "Springfield", "Freedonia", store.CityAttrs{}, false)
	r.ResolveOrCreate(ctx, "Springfield", "Sylvania", store.CityAttrs{}, false)
	amb, err := r.ResolveOrCreate(ctx, "Springfield", store.UnknownCountry, store.CityAttrs{}, true)
	if err != nil || amb.Outcome != Created {
		t.Errorf("ambiguous placeholder = %+v, %v, want created", amb, err)
	}

	// A name that only prefixes another city's does not match it.
	pre, _ := r.ResolveOrCreate(ctx, "Test", store.UnknownCountry, store.CityAttrs{}, true)
	if pre.Outcome != Created {
		t.Errorf("prefix placeholder = %+v, want created", pre)
	}
}

func TestResolveOrCreate_EmptyName(t *testing.T) {
	r, _ := tempRegistry(t, DefaultMergePolicy())
	_, err := r.ResolveOrCreate(context.Background(), "  ", "France", store.CityAttrs{}, false)
	if !errors.Is(err, ErrEmptyName) {
		t.Errorf("err = %v, want ErrEmptyName", err)
	}
}

func TestSortSurvivors_TotalOrder(t *testing.T) {
	r, _ := tempRegistry(t, DefaultMergePolicy())
	cities := []store.City{
		{ID: 5, City: "Asunci¨®n", Country: "Paraguay", VideoCount: 10},
		{ID: 4, City: "Asuncion", Country: "Paraguay", VideoCount: 2},
		{ID: 3, City: "Asunción", Country: "Paraguay", VideoCount: 2},
		{ID: 9, City: "ASUNCION", Country: "Paraguay", VideoCount: 3},
	}
	r.SortSurvivors(cities)
	// Correct accents are clean: 3 and 4 tie on text and count, lower id wins.
	want := []int64{9, 3, 4, 5}
	for i, c := range cities {
		if c.ID != want[i] {
			t.Fatalf("order = %v, want %v", ids(cities), want)
		}
	}
}

func ids(cs []store.City) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

// seedDuplicate writes a second row under the same canonical key, bypassing
// resolution the way historical imports did.
func seedDuplicate(t *testing.T, st *store.Store, city, country string, attrs store.CityAttrs, videos ...string) int64 {
	t.Helper()
	ctx := context.Background()
	id, _, err := st.InsertCity(ctx, store.NewCity{City: city, Country: country, CanonicalKey: Key(city, country), Attrs: attrs})
	if err != nil {
		t.Fatalf("InsertCity: %v", err)
	}
	for _, link := range videos {
		if _, err := st.UpsertVideo(ctx, store.VideoRecord{Link: link, CityID: id}); err != nil {
			t.Fatalf("UpsertVideo: %v", err)
		}
	}
	return id
}

func TestDeduplicate_MergeSafety(t *testing.T) {
	r, st := tempRegistry(t, DefaultMergePolicy())
	ctx := context.Background()

	a := seedDuplicate(t, st, "Sao Paulo", "Brazil", store.CityAttrs{}, "v1", "v2")
	b := seedDuplicate(t, st, "São Paulo", "Brazil", store.CityAttrs{ISO3: str("BRA")}, "v3", "v4", "v5")
	c := seedDuplicate(t, st, "SAO PAULO", "Brazil", store.CityAttrs{}, "v6")

	res, err := r.Deduplicate(ctx)
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	if res.Merged != 2 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v, want 2 merges", res)
	}

	group, _ := st.CitiesByCanonicalKey(ctx, Key("São Paulo", "Brazil"))
	if len(group) != 1 {
		t.Fatalf("rows with key = %d, want 1", len(group))
	}
	if group[0].ID != b {
		t.Errorf("survivor = %d, want %d (most videos)", group[0].ID, b)
	}
	if group[0].VideoCount != 6 {
		t.Errorf("survivor videos = %d, want 6", group[0].VideoCount)
	}
	for _, old := range []int64{a, c} {
		if got, _ := st.CityByID(ctx, old); got != nil {
			t.Errorf("duplicate %d still present", old)
		}
	}
	for _, link := range []string{"v1", "v2", "v6"} {
		if owner, _ := st.VideoCityID(ctx, link); owner != b {
			t.Errorf("video %s owner = %d, want %d", link, owner, b)
		}
	}
}

func TestMergeDuplicates_Conflicts(t *testing.T) {
	tests := []struct {
		name   string
		policy MergePolicy
		a, b   store.CityAttrs
		videos int
	}{
		{"different iso3", DefaultMergePolicy(), store.CityAttrs{ISO3: str("USA")}, store.CityAttrs{ISO3: str("CAN")}, 0},
		{"coordinate drift", DefaultMergePolicy(),
			store.CityAttrs{Latitude: f64(48.85), Longitude: f64(2.35)},
			store.CityAttrs{Latitude: f64(33.66), Longitude: f64(-95.55)}, 0},
		{"heavily referenced", MergePolicy{HeavyReferenceThreshold: 2}, store.CityAttrs{}, store.CityAttrs{}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, st := tempRegistry(t, tt.policy)
			ctx := context.Background()
			var la, lb []string
			for i := 0; i < tt.videos; i++ {
				la = append(la, "a"+string(rune('0'+i)))
				lb = append(lb, "b"+string(rune('0'+i)))
			}
			a := seedDuplicate(t, st, "Paris", "France", tt.a, la...)
			b := seedDuplicate(t, st, "PARIS", "France", tt.b, lb...)

			res, err := r.MergeDuplicates(ctx, a, []int64{b})
			if err != nil {
				t.Fatalf("MergeDuplicates: %v", err)
			}
			var ce *MergeConflictError
			if res.Merged != 0 || len(res.Errors) != 1 || !errors.As(res.Errors[0], &ce) {
				t.Fatalf("result = %+v, want one MergeConflictError", res)
			}
			if ce.DuplicateID != b || ce.Reason == "" {
				t.Errorf("conflict = %+v", ce)
			}
			if got, _ := st.CityByID(ctx, b); got == nil {
				t.Error("conflicting duplicate was deleted")
			}
		})
	}
}
