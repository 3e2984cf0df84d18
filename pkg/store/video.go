package store

import (
	"context"
	"fmt"
	"strings"
)

// VideoRecord is one video to upsert. Values is keyed by VideoColumns names;
// missing keys are written as null.
type VideoRecord struct {
	Link   string
	CityID int64
	Values map[string]any
}

// VideoUpsert reports what UpsertVideo did.
type VideoUpsert struct {
	ID      int64
	Created bool
	// CityID is the stored owner after the write. It differs from the
	// requested one when the link was already attached to another city.
	CityID int64
}

// UpsertVideo inserts a video or overwrites the measurement columns of the
// existing row with the same link. An existing row keeps its city_id.
func (s *Store) UpsertVideo(ctx context.Context, v VideoRecord) (VideoUpsert, error) {
	var existing struct {
		ID     int64 `db:"id"`
		CityID int64 `db:"city_id"`
	}
	err := s.db.GetContext(ctx, &existing, s.db.Rebind(`SELECT id, city_id FROM video WHERE link = ?`), v.Link)
	if err != nil && !notFound(err) {
		return VideoUpsert{}, fmt.Errorf("lookup video %s: %w", v.Link, err)
	}
	created := notFound(err)

	cols := append([]string{"link", "city_id"}, columnNames(VideoColumns)...)
	args := []any{v.Link, v.CityID}
	sets := make([]string, 0, len(VideoColumns))
	for _, c := range VideoColumns {
		args = append(args, v.Values[c.Name])
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
	}
	q := fmt.Sprintf(`INSERT INTO video (%s) VALUES (%s)
		ON CONFLICT (link) DO UPDATE SET %s
		RETURNING id, city_id`,
		strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))

	var out VideoUpsert
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q), args...).Scan(&out.ID, &out.CityID); err != nil {
		return VideoUpsert{}, fmt.Errorf("upsert video %s: %w", v.Link, err)
	}
	out.Created = created
	return out, nil
}

// VideoCityID returns the owning city of a link, or 0 if the link is unknown.
func (s *Store) VideoCityID(ctx context.Context, link string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT city_id FROM video WHERE link = ?`), link)
	if notFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("video %s: %w", link, err)
	}
	return id, nil
}

// VideoValue reads one declared column of a video by link.
func (s *Store) VideoValue(ctx context.Context, link, column string) (any, error) {
	if !declared(VideoColumns, column) {
		return nil, fmt.Errorf("unknown video column %q", column)
	}
	var v any
	q := fmt.Sprintf(`SELECT %s FROM video WHERE link = ?`, column)
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q), link).Scan(&v); err != nil {
		return nil, fmt.Errorf("video %s.%s: %w", link, column, err)
	}
	return v, nil
}

// CountVideos returns the number of video rows.
func (s *Store) CountVideos(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM video`)
}

func declared(cols []Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
