package analytics

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hazyhaar/crosswalk/pkg/schemamap"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

var fixtures = map[string]string{
	"gender_statistics.csv": "gender,count,avg_crossing_speed,risky_crossing_ratio\n" +
		"male,10,1.3,45.5\n" +
		"female,8,1.1,\n" +
		",4,1.0,10\n",
	"carried_items_statistics.csv": "umbrella,backpack,handbag\n" +
		"1,0,\n" +
		"0,False,true\n",
	"correlation_matrix.csv": "variable_a,variable_b,r,n\n" +
		"speed,age,-0.31,120\n",
}

func setup(t *testing.T) (*Builder, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range fixtures {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "facts.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rs, err := schemamap.DefaultRules()
	if err != nil {
		t.Fatalf("DefaultRules: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(schemamap.New(rs), st, logger), st, dir
}

func TestRun(t *testing.T) {
	b, st, dir := setup(t)
	ctx := context.Background()

	res, err := b.Run(ctx, dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Files) != 13 {
		t.Fatalf("files = %d, want 13", len(res.Files))
	}
	// male: 3 metrics, female: 2 (null ratio), handbag + umbrella, one correlation.
	if got := res.Facts(); got != 8 {
		t.Errorf("facts = %d, want 8", got)
	}
	if n, _ := st.CountFacts(ctx); n != 8 {
		t.Errorf("stored facts = %d, want 8", n)
	}

	status := make(map[string]FileResult)
	for _, f := range res.Files {
		status[f.File] = f
	}
	if g := status["gender_statistics.csv"]; g.Status != StatusLoaded || len(g.Issues) != 1 || g.Checksum == "" {
		t.Errorf("gender = %+v, want loaded with one dropped row", g)
	}
	var skipped *schemamap.SkippedError
	if d := status["tracking_debug_export.csv"]; d.Status != StatusSkipped || !errors.As(d.Err, &skipped) {
		t.Errorf("debug export = %+v, want skipped", d)
	}
	if a := status["age_statistics.csv"]; a.Status != StatusFailed || !errors.Is(a.Err, fs.ErrNotExist) {
		t.Errorf("missing file = %+v, want failed with not-exist", a)
	}

	got, err := st.DimensionValues(ctx, "carried_item")
	if err != nil {
		t.Fatalf("DimensionValues: %v", err)
	}
	if want := []string{"handbag", "umbrella"}; !reflect.DeepEqual(got, want) {
		t.Errorf("carried_item values = %v, want %v", got, want)
	}
}

func TestRun_ValueColumns(t *testing.T) {
	b, st, dir := setup(t)
	ctx := context.Background()
	if _, err := b.Run(ctx, dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	corr, err := st.FactsBySource(ctx, "correlation_matrix.csv")
	if err != nil || len(corr) != 1 {
		t.Fatalf("correlation facts = %v, %v", corr, err)
	}
	c := corr[0]
	if c.CorrelationValue == nil || *c.CorrelationValue != -0.31 || c.NumericValue != nil || c.PercentageValue != nil {
		t.Errorf("correlation fact = %+v", c)
	}
	if c.SampleSize == nil || *c.SampleSize != 120 || c.MetricName != "pearson_r" {
		t.Errorf("correlation metadata = %+v", c)
	}

	gender, _ := st.FactsBySource(ctx, "gender_statistics.csv")
	var pct, num int
	for _, f := range gender {
		switch {
		case f.PercentageValue != nil:
			pct++
			if f.MetricName != "risky_crossing_ratio" || *f.PercentageValue != 45.5 {
				t.Errorf("percentage fact = %+v", f)
			}
		case f.NumericValue != nil:
			num++
		}
	}
	if pct != 1 || num != 4 {
		t.Errorf("gender facts: %d percentage, %d numeric, want 1 and 4", pct, num)
	}
}

func TestRun_RerunReusesDimensions(t *testing.T) {
	b, st, dir := setup(t)
	ctx := context.Background()
	if _, err := b.Run(ctx, dir); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	dims, _ := st.CountDimensions(ctx)

	if _, err := b.Run(ctx, dir); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again, _ := st.CountDimensions(ctx); again != dims {
		t.Errorf("dimensions after rerun = %d, want %d", again, dims)
	}
	// Facts are append-only.
	if n, _ := st.CountFacts(ctx); n != 16 {
		t.Errorf("facts after rerun = %d, want 16", n)
	}
}

func TestRun_Cancelled(t *testing.T) {
	b, _, dir := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Run(ctx, dir); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
