package store

import (
	"context"
	"fmt"
	"time"
)

// Fact is one analytics_fact row. Exactly one of the three value columns is
// set by the writer.
type Fact struct {
	DimensionID      int64    `db:"dimension_id"`
	FactType         string   `db:"fact_type"`
	MetricName       string   `db:"metric_name"`
	NumericValue     *float64 `db:"numeric_value"`
	PercentageValue  *float64 `db:"percentage_value"`
	CorrelationValue *float64 `db:"correlation_value"`
	SampleSize       *int64   `db:"sample_size"`
	SourceFile       string   `db:"source_file"`
}

// Dimension returns the id of (type, value), creating the row if needed.
func (s *Store) Dimension(ctx context.Context, typ, value string) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`INSERT INTO analytics_dimension (dimension_type, dimension_value)
		VALUES (?, ?)
		ON CONFLICT (dimension_type, dimension_value) DO UPDATE SET dimension_value = excluded.dimension_value
		RETURNING id`), typ, value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("dimension %s=%s: %w", typ, value, err)
	}
	return id, nil
}

// InsertFact appends one fact.
func (s *Store) InsertFact(ctx context.Context, f Fact) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO analytics_fact
		(dimension_id, fact_type, metric_name, numeric_value, percentage_value,
		 correlation_value, sample_size, source_file, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		f.DimensionID, f.FactType, f.MetricName, f.NumericValue, f.PercentageValue,
		f.CorrelationValue, f.SampleSize, f.SourceFile, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert fact %s/%s: %w", f.SourceFile, f.MetricName, err)
	}
	return nil
}

// DimensionValues lists the values stored for one dimension type.
func (s *Store) DimensionValues(ctx context.Context, typ string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT dimension_value FROM analytics_dimension WHERE dimension_type = ? ORDER BY dimension_value`), typ)
	if err != nil {
		return nil, fmt.Errorf("dimension values %s: %w", typ, err)
	}
	return out, nil
}

// FactsBySource returns the facts written from one file.
func (s *Store) FactsBySource(ctx context.Context, file string) ([]Fact, error) {
	var out []Fact
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT dimension_id, fact_type, metric_name,
		numeric_value, percentage_value, correlation_value, sample_size, source_file
		FROM analytics_fact WHERE source_file = ? ORDER BY id`), file)
	if err != nil {
		return nil, fmt.Errorf("facts for %s: %w", file, err)
	}
	return out, nil
}

// CountFacts returns the number of analytics_fact rows.
func (s *Store) CountFacts(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM analytics_fact`)
}

// CountDimensions returns the number of analytics_dimension rows.
func (s *Store) CountDimensions(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM analytics_dimension`)
}
