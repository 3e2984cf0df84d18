package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/crosswalk/pkg/rows"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

var errMissingKey = errors.New("missing natural key")

// upsertVideos writes every video row whose city was resolved and returns the
// run-scoped link -> id map used by the pedestrian step.
func (a *Aggregator) upsertVideos(ctx context.Context, tbl *rows.Table, cityIDs map[cityKey]int64, res *Result) (map[string]int64, error) {
	ids := make(map[string]int64)
	for row, err := range tbl.Rows() {
		if err := ctxDone(ctx); err != nil {
			return nil, err
		}
		if err != nil {
			res.Videos.Failed++
			res.fail("video", tbl.File, err)
			a.logger.Warn("video row unreadable", "file", tbl.File, "error", err)
			continue
		}
		res.Videos.Rows++

		link := row.Text("link")
		if link == "" {
			res.Videos.Failed++
			res.fail("video", fmt.Sprintf("line %d", row.Line), errMissingKey)
			a.logger.Warn("video row dropped", "line", row.Line, "error", errMissingKey)
			continue
		}

		k := rowCityKey(row)
		cityID, ok := cityIDs[k]
		if !ok {
			err := &UnresolvedParentError{Entity: "video", Key: link, Parent: k.String()}
			res.Videos.Skipped++
			res.fail("video", link, err)
			a.logger.Warn("video skipped", "link", link, "error", err)
			continue
		}

		values, err := declaredValues(row, store.VideoColumns)
		if err != nil {
			res.Videos.Failed++
			res.fail("video", link, err)
			a.logger.Warn("video row dropped", "link", link, "error", err)
			continue
		}

		up, err := a.store.UpsertVideo(ctx, store.VideoRecord{Link: link, CityID: cityID, Values: values})
		if err != nil {
			res.Videos.Failed++
			res.fail("video", link, err)
			a.logger.Warn("video upsert failed", "link", link, "error", err)
			continue
		}
		if up.CityID != cityID {
			a.logger.Warn("video keeps its stored city", "link", link, "stored_city", up.CityID, "row_city", cityID)
		}
		ids[link] = up.ID
		if up.Created {
			res.Videos.Created++
		} else {
			res.Videos.Updated++
		}
	}

	a.logger.Info("videos upserted",
		"rows", res.Videos.Rows, "created", res.Videos.Created, "updated", res.Videos.Updated,
		"skipped", res.Videos.Skipped, "failed", res.Videos.Failed)
	return ids, nil
}

// upsertPedestrians writes every pedestrian row whose video was written in
// this run.
func (a *Aggregator) upsertPedestrians(ctx context.Context, tbl *rows.Table, videoIDs map[string]int64, res *Result) error {
	for row, err := range tbl.Rows() {
		if err := ctxDone(ctx); err != nil {
			return err
		}
		if err != nil {
			res.Pedestrians.Failed++
			res.fail("pedestrian", tbl.File, err)
			a.logger.Warn("pedestrian row unreadable", "file", tbl.File, "error", err)
			continue
		}
		res.Pedestrians.Rows++

		link, track := row.Text("link"), row.Text("track_id")
		key := link + "/" + track
		if link == "" || track == "" {
			res.Pedestrians.Failed++
			res.fail("pedestrian", fmt.Sprintf("line %d", row.Line), errMissingKey)
			a.logger.Warn("pedestrian row dropped", "line", row.Line, "error", errMissingKey)
			continue
		}

		videoID, ok := videoIDs[link]
		if !ok {
			err := &UnresolvedParentError{Entity: "pedestrian", Key: key, Parent: link}
			res.Pedestrians.Skipped++
			res.fail("pedestrian", key, err)
			a.logger.Warn("pedestrian skipped", "key", key, "error", err)
			continue
		}

		values, err := declaredValues(row, store.PedestrianColumns)
		if err != nil {
			res.Pedestrians.Failed++
			res.fail("pedestrian", key, err)
			a.logger.Warn("pedestrian row dropped", "key", key, "error", err)
			continue
		}

		created, err := a.store.UpsertPedestrian(ctx, store.PedestrianRecord{VideoID: videoID, TrackID: track, Values: values})
		if err != nil {
			res.Pedestrians.Failed++
			res.fail("pedestrian", key, err)
			a.logger.Warn("pedestrian upsert failed", "key", key, "error", err)
			continue
		}
		if created {
			res.Pedestrians.Created++
		} else {
			res.Pedestrians.Updated++
		}
	}

	a.logger.Info("pedestrians upserted",
		"rows", res.Pedestrians.Rows, "created", res.Pedestrians.Created, "updated", res.Pedestrians.Updated,
		"skipped", res.Pedestrians.Skipped, "failed", res.Pedestrians.Failed)
	return nil
}

// declaredValues parses every declared column present in the row. Absent or
// null cells become nil; the first malformed cell fails the whole row.
func declaredValues(row rows.Row, cols []store.Column) (map[string]any, error) {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		var (
			v   any
			err error
		)
		switch c.Kind {
		case store.Real:
			v, err = row.Float(c.Name)
		case store.Int:
			v, err = row.Int(c.Name)
		case store.Bool:
			v, err = row.Bool(c.Name)
		default:
			v = row.String(c.Name)
		}
		if err != nil {
			return nil, err
		}
		out[c.Name] = v
	}
	return out, nil
}
