package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/crosswalk/pkg/aggregate"
	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/sources"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func str(s string) *string   { return &s }

func tempStore(t *testing.T) (*store.Store, *cityreg.Registry) {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "enrich.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fixes, err := cityreg.DefaultCorrections()
	if err != nil {
		t.Fatalf("DefaultCorrections: %v", err)
	}
	return st, cityreg.New(st, fixes, cityreg.DefaultMergePolicy(), quietLogger())
}

// geocoder serves a fixed candidate list and counts requests.
func geocoder(t *testing.T, cands ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/searchJSON" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"totalResultsCount": len(cands), "geonames": cands})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(url string) *Client {
	return NewClient(Config{BaseURL: url, Username: "test", Delay: 0, Retries: 0, Timeout: 2 * time.Second})
}

func TestNumber_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input string
		want  Number
	}{
		{`1.5`, Number{1.5, true}},
		{`"48.85341"`, Number{48.85341, true}},
		{`""`, Number{}},
		{`null`, Number{}},
		{`-3`, Number{-3, true}},
	}
	for _, tt := range tests {
		var n Number
		if err := json.Unmarshal([]byte(tt.input), &n); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.input, err)
			continue
		}
		if n != tt.want {
			t.Errorf("Unmarshal(%s) = %+v, want %+v", tt.input, n, tt.want)
		}
	}
	var n Number
	if err := json.Unmarshal([]byte(`"north"`), &n); err == nil {
		t.Error("expected error for non-numeric string")
	}
}

func TestScoreAndSelect(t *testing.T) {
	s := DefaultScorer()
	cands := []Candidate{
		{Name: "Paris", FCode: "ADM1"},
		{Name: "Paris", FCode: "PPLC"},
		{Name: "Parisot", FCode: "PPL"},
	}
	best, score := s.ScoreAndSelect(cands, "paris")
	if best == nil || best.FCode != "PPLC" {
		t.Fatalf("best = %+v, want the PPLC candidate", best)
	}
	if score != 1.0 {
		t.Errorf("score = %v, want 1.0", score)
	}

	// Same list, same choice.
	for range 5 {
		if again, _ := s.ScoreAndSelect(cands, "paris"); again != best {
			t.Fatalf("selection changed: %+v", again)
		}
	}

	tied := []Candidate{
		{Name: "Springfield", AdminName1: "Illinois", FCode: "PPLA"},
		{Name: "Springfield", AdminName1: "Missouri", FCode: "PPLA2"},
	}
	if best, _ := s.ScoreAndSelect(tied, "Springfield"); best == nil || best.AdminName1 != "Illinois" {
		t.Errorf("tie winner = %+v, want the first candidate", best)
	}

	if best, _ := s.ScoreAndSelect([]Candidate{{Name: "Zanzibar", FCode: "ADM2"}}, "Lyon"); best != nil {
		t.Errorf("unrelated candidate selected: %+v", best)
	}
}

func TestSimilarity_Chain(t *testing.T) {
	s := DefaultScorer()
	tests := []struct {
		candidate, wanted string
		want              float64
	}{
		{"Lyon", "lyon", 1.0},
		{"São Paulo", "Sao Paulo", 0.95},
		{"Frankfurt am Main", "Frankfurt", 0.85},
		{"Lyom", "Lyon", 0.75},
		{"", "Lyon", 0},
	}
	for _, tt := range tests {
		if got := s.Similarity(Candidate{Name: tt.candidate}, tt.wanted); got != tt.want {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tt.candidate, tt.wanted, got, tt.want)
		}
	}
}

func TestClient_Search(t *testing.T) {
	var query, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, user = r.URL.Query().Get("q"), r.URL.Query().Get("username")
		w.Write([]byte(`{"totalResultsCount":1,"geonames":[{"name":"Lyon","countryName":"France","lat":"45.74846","lng":"4.84671","population":522969,"fcode":"PPLA"}]}`))
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Search(context.Background(), "Lyon", "", "France")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if query != "Lyon, France" || user != "test" {
		t.Errorf("q = %q, username = %q", query, user)
	}
	if len(cands) != 1 || !cands[0].Lat.Valid || cands[0].Lat.Value != 45.74846 || cands[0].Population.Value != 522969 {
		t.Errorf("candidates = %+v", cands)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"geonames":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 2, Backoff: time.Millisecond})
	if _, err := c.Search(context.Background(), "Lyon", "", ""); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		calls  int32
	}{
		{"in-band status", http.StatusOK, `{"status":{"message":"daily limit exceeded","value":18}}`, 1},
		{"client error is not retried", http.StatusUnauthorized, `nope`, 1},
		{"server error exhausts retries", http.StatusBadGateway, `down`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL, Retries: 2, Backoff: time.Millisecond})
			_, err := c.Search(context.Background(), "Lyon", "", "")
			var se *ExternalServiceError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *ExternalServiceError", err)
			}
			if se.City != "Lyon" || se.Status != tt.status {
				t.Errorf("error = %+v", se)
			}
			if n := calls.Load(); n != tt.calls {
				t.Errorf("calls = %d, want %d", n, tt.calls)
			}
		})
	}
}

func TestClient_RequestsAreSpaced(t *testing.T) {
	srv, calls := geocoder(t)
	c := NewClient(Config{BaseURL: srv.URL, Delay: 40 * time.Millisecond})

	start := time.Now()
	for range 3 {
		if _, err := c.Search(context.Background(), "Lyon", "", ""); err != nil {
			t.Fatalf("Search: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 requests took %v, want at least 80ms", elapsed)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestMissingFieldsAndShouldSkip(t *testing.T) {
	c := &store.City{City: "Lyon", Country: store.UnknownCountry, Latitude: f64(45.7)}
	missing := MissingFields(c)
	if len(missing) < 3 || missing[0] != FieldCountry || missing[1] != FieldLongitude || missing[2] != FieldContinent {
		t.Errorf("missing = %v", missing)
	}
	if ShouldSkip(missing) {
		t.Error("ShouldSkip with critical gaps = true")
	}
	if !ShouldSkip([]string{"literacy_rate", "gini"}) || !ShouldSkip(nil) {
		t.Error("ShouldSkip with optional gaps only = false")
	}
}

func TestListCitiesNeedingUpdate_SkipPolicy(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()

	// Complete except literacy_rate and gini.
	_, _, err := st.InsertCity(ctx, store.NewCity{
		City: "Lyon", Country: "France", CanonicalKey: cityreg.Key("Lyon", "France"),
		Attrs: store.CityAttrs{
			State: str("Auvergne-Rhône-Alpes"), ISO3: str("FRA"), Continent: str("EU"),
			Latitude: f64(45.76), Longitude: f64(4.83),
			PopulationCity: i64(513000), PopulationCountry: i64(68000000),
			MedianAge: f64(41), AvgHeight: f64(170), TrafficMortality: f64(5.1), GMP: f64(80),
		},
	})
	if err != nil {
		t.Fatalf("InsertCity: %v", err)
	}

	e := New(testClient("http://unused.invalid"), st, reg, quietLogger())
	got, err := e.ListCitiesNeedingUpdate(ctx, false)
	if err != nil {
		t.Fatalf("ListCitiesNeedingUpdate: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("non-force list = %d cities, want 0", len(got))
	}
	got, _ = e.ListCitiesNeedingUpdate(ctx, true)
	if len(got) != 1 {
		t.Errorf("force list = %d cities, want 1", len(got))
	}

	// Listed, but skipped without a call.
	srv, calls := geocoder(t)
	e = New(testClient(srv.URL), st, reg, quietLogger(), WithOptionalFields())
	res, err := e.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 1 || calls.Load() != 0 {
		t.Errorf("skipped = %d, calls = %d, want 1 and 0", res.Skipped, calls.Load())
	}
}

func TestRun_PlaceholderCountryEndToEnd(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	files := map[string]string{
		sources.VideoInfo:      "link,city,country,duration\nt1,Testville,,12\n",
		sources.CityInfo:       "city,country\n",
		sources.PedestrianInfo: "link,track_id,gender\nt1,1,female\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := aggregate.New(reg, st, quietLogger()).Run(ctx, dir); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	c, _ := st.CityByName(ctx, "Testville", store.UnknownCountry)
	if c == nil || !c.NeedsEnrichment {
		t.Fatalf("placeholder city = %+v", c)
	}

	srv, _ := geocoder(t, map[string]any{"name": "Testville", "countryName": "Testland", "lat": 1.0, "lng": 2.0})
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res, err := New(testClient(srv.URL), st, reg, quietLogger(), WithClock(func() time.Time { return when })).Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}

	got, err := st.CityByID(ctx, c.ID)
	if err != nil || got == nil {
		t.Fatalf("CityByID: %v", err)
	}
	if got.Country != "Testland" || got.CanonicalKey != cityreg.Key("Testville", "Testland") {
		t.Errorf("country = %q, key = %q", got.Country, got.CanonicalKey)
	}
	if got.Latitude == nil || *got.Latitude != 1.0 || got.Longitude == nil || *got.Longitude != 2.0 {
		t.Errorf("coordinates = %v, %v", got.Latitude, got.Longitude)
	}
	if got.EnrichedAt == nil || *got.EnrichedAt != when.Unix() {
		t.Errorf("enriched_at = %v", got.EnrichedAt)
	}
	// No continent in the answer: still flagged.
	if !got.NeedsEnrichment {
		t.Error("needs_enrichment cleared with continent still missing")
	}
}

func TestRun_OverwritesCoordinatesFillsState(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()
	id, _, _ := st.InsertCity(ctx, store.NewCity{
		City: "Lyon", Country: "France", CanonicalKey: cityreg.Key("Lyon", "France"),
		Attrs: store.CityAttrs{State: str("Rhône"), Latitude: f64(0), Longitude: f64(0)},
	})

	srv, _ := geocoder(t, map[string]any{
		"name": "Lyon", "countryName": "Francia", "adminName1": "Auvergne-Rhône-Alpes",
		"lat": "45.75", "lng": "4.85", "continentCode": "EU", "fcode": "PPLA", "population": 522969,
	})
	if _, err := New(testClient(srv.URL), st, reg, quietLogger()).Run(ctx, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, _ := st.CityByID(ctx, id)
	if c.Country != "France" {
		t.Errorf("country = %q, want the stored value kept", c.Country)
	}
	if *c.State != "Rhône" {
		t.Errorf("state = %q, want the stored value kept", *c.State)
	}
	if *c.Latitude != 45.75 || *c.Longitude != 4.85 || c.Continent == nil || *c.Continent != "Europe" {
		t.Errorf("coordinates/continent not overwritten: %+v", c)
	}
	if c.PopulationCity == nil || *c.PopulationCity != 522969 || c.NeedsEnrichment {
		t.Errorf("population = %v, needs_enrichment = %v", c.PopulationCity, c.NeedsEnrichment)
	}
}

func TestRun_ServiceFailureIsPerCity(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()
	for _, name := range []string{"Lyon", "Nice"} {
		st.InsertCity(ctx, store.NewCity{City: name, Country: "France", CanonicalKey: cityreg.Key(name, "France")})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := New(testClient(srv.URL), st, reg, quietLogger()).Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 2 || len(res.Outcomes) != 2 {
		t.Fatalf("result = %+v", res)
	}
	var se *ExternalServiceError
	if !errors.As(res.Outcomes[0].Err, &se) {
		t.Errorf("outcome error = %v, want *ExternalServiceError", res.Outcomes[0].Err)
	}
	c, _ := st.CityByName(ctx, "Lyon", "France")
	if c.Latitude != nil || c.EnrichedAt != nil {
		t.Errorf("failed city was modified: %+v", c)
	}
}

func TestRun_NoMatchIsSkipped(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()
	st.InsertCity(ctx, store.NewCity{City: "Lyon", Country: "France", CanonicalKey: cityreg.Key("Lyon", "France")})

	srv, _ := geocoder(t, map[string]any{"name": "Zanzibar", "fcode": "ADM1"})
	res, err := New(testClient(srv.URL), st, reg, quietLogger()).Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 1 || res.Outcomes[0].Status != StatusSkipped {
		t.Errorf("outcomes = %+v", res.Outcomes)
	}
}

func TestApply_MergesPlaceholderIntoExistingRow(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()
	existing, _, _ := st.InsertCity(ctx, store.NewCity{
		City: "Lyon", Country: "France", CanonicalKey: cityreg.Key("Lyon", "France"),
		Attrs: store.CityAttrs{Continent: str("EU")},
	})
	placeholder, _, _ := st.InsertCity(ctx, store.NewCity{
		City: "Lyon", Country: store.UnknownCountry, CanonicalKey: cityreg.Key("Lyon", store.UnknownCountry),
		NeedsEnrichment: true,
	})
	if _, err := st.UpsertVideo(ctx, store.VideoRecord{Link: "p1", CityID: placeholder}); err != nil {
		t.Fatalf("UpsertVideo: %v", err)
	}

	e := New(testClient("http://unused.invalid"), st, reg, quietLogger())
	into, err := e.Apply(ctx, placeholder, Candidate{
		Name: "Lyon", CountryName: "France",
		Lat: Number{45.75, true}, Lng: Number{4.85, true},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if into != existing {
		t.Errorf("merged into %d, want %d", into, existing)
	}
	if gone, _ := st.CityByID(ctx, placeholder); gone != nil {
		t.Errorf("placeholder row still present: %+v", gone)
	}
	if owner, _ := st.VideoCityID(ctx, "p1"); owner != existing {
		t.Errorf("video owner = %d, want %d", owner, existing)
	}
	c, _ := st.CityByID(ctx, existing)
	if c.Latitude == nil || *c.Latitude != 45.75 || c.NeedsEnrichment {
		t.Errorf("survivor = %+v", c)
	}
}

func TestContinentName(t *testing.T) {
	tests := []struct{ code, want string }{
		{"EU", "Europe"},
		{"na", "North America"},
		{" OC ", "Oceania"},
		{"XX", "XX"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ContinentName(tt.code); got != tt.want {
			t.Errorf("ContinentName(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestRun_ContinentKeepsNameForm(t *testing.T) {
	st, reg := tempStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	files := map[string]string{
		sources.VideoInfo:      "link,city,country,continent\nt1,Lyon,France,Europe\n",
		sources.CityInfo:       "city,country\n",
		sources.PedestrianInfo: "link,track_id,gender\nt1,1,female\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := aggregate.New(reg, st, quietLogger()).Run(ctx, dir); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	srv, _ := geocoder(t, map[string]any{
		"name": "Lyon", "countryName": "France", "lat": 45.75, "lng": 4.85, "continentCode": "EU", "fcode": "PPLA",
	})
	if _, err := New(testClient(srv.URL), st, reg, quietLogger()).Run(ctx, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, _ := st.CityByName(ctx, "Lyon", "France")
	if c == nil || c.Continent == nil || *c.Continent != "Europe" {
		t.Errorf("continent after enrichment = %v", c)
	}
}
