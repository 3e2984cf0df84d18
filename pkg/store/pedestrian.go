package store

import (
	"context"
	"fmt"
	"strings"
)

// PedestrianRecord is one tracked pedestrian. Values is keyed by
// PedestrianColumns names; missing keys are written as null.
type PedestrianRecord struct {
	VideoID int64
	TrackID string
	Values  map[string]any
}

// UpsertPedestrian inserts a pedestrian, or on (video_id, track_id) conflict
// updates only PedestrianCoreColumns. It reports whether a row was created.
func (s *Store) UpsertPedestrian(ctx context.Context, p PedestrianRecord) (bool, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind(`SELECT COUNT(*) FROM pedestrian WHERE video_id = ? AND track_id = ?`), p.VideoID, p.TrackID)
	if err != nil {
		return false, fmt.Errorf("lookup pedestrian %d/%s: %w", p.VideoID, p.TrackID, err)
	}

	cols := append([]string{"video_id", "track_id"}, columnNames(PedestrianColumns)...)
	args := []any{p.VideoID, p.TrackID}
	for _, c := range PedestrianColumns {
		args = append(args, p.Values[c.Name])
	}
	sets := make([]string, 0, len(PedestrianCoreColumns))
	for _, c := range PedestrianCoreColumns {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	q := fmt.Sprintf(`INSERT INTO pedestrian (%s) VALUES (%s)
		ON CONFLICT (video_id, track_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return false, fmt.Errorf("upsert pedestrian %d/%s: %w", p.VideoID, p.TrackID, err)
	}
	return n == 0, nil
}

// PedestrianValue reads one declared column of a pedestrian.
func (s *Store) PedestrianValue(ctx context.Context, videoID int64, trackID, column string) (any, error) {
	if !declared(PedestrianColumns, column) {
		return nil, fmt.Errorf("unknown pedestrian column %q", column)
	}
	var v any
	q := fmt.Sprintf(`SELECT %s FROM pedestrian WHERE video_id = ? AND track_id = ?`, column)
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q), videoID, trackID).Scan(&v); err != nil {
		return nil, fmt.Errorf("pedestrian %d/%s.%s: %w", videoID, trackID, column, err)
	}
	return v, nil
}

// CountPedestrians returns the number of pedestrian rows.
func (s *Store) CountPedestrians(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM pedestrian`)
}
