package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/crosswalk/pkg/kit"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Store is the read side of the database the API serves.
type Store interface {
	LatestRun(ctx context.Context) (*store.Run, error)
	ListSources(ctx context.Context) ([]store.SourceFile, error)
	CountCities(ctx context.Context) (int64, error)
	CountVideos(ctx context.Context) (int64, error)
	CountPedestrians(ctx context.Context) (int64, error)
	CountFacts(ctx context.Context) (int64, error)
}

// Keyer computes canonical city keys. *cityreg.Registry satisfies it.
type Keyer interface {
	CanonicalKey(city, country string) string
}

var (
	errNoRun      = errors.New("no run recorded")
	errMissingArg = errors.New("city and country are required")
)

// Shared request/response types used by both HTTP and MCP transports.

type runResponse struct {
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Report     json.RawMessage `json:"report,omitempty"`
}

type sourcesResponse struct {
	Sources []store.SourceFile `json:"sources"`
}

type canonicalReq struct {
	City    string
	Country string
}

type canonicalResponse struct {
	City    string `json:"city"`
	Country string `json:"country"`
	Key     string `json:"key"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Cities      int64  `json:"cities"`
	Videos      int64  `json:"videos"`
	Pedestrians int64  `json:"pedestrians"`
	Facts       int64  `json:"facts"`
}

func latestRunEndpoint(st Store) kit.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		run, err := st.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, errNoRun
		}
		resp := runResponse{
			RunID:     run.RunID,
			Status:    run.Status,
			StartedAt: time.Unix(run.StartedAt, 0).UTC(),
		}
		if run.FinishedAt != nil {
			t := time.Unix(*run.FinishedAt, 0).UTC()
			resp.FinishedAt = &t
		}
		if run.ReportJSON != nil && json.Valid([]byte(*run.ReportJSON)) {
			resp.Report = json.RawMessage(*run.ReportJSON)
		}
		return resp, nil
	}
}

func listSourcesEndpoint(st Store) kit.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		srcs, err := st.ListSources(ctx)
		if err != nil {
			return nil, err
		}
		if srcs == nil {
			srcs = []store.SourceFile{}
		}
		return sourcesResponse{Sources: srcs}, nil
	}
}

func canonicalEndpoint(keys Keyer) kit.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(*canonicalReq)
		city, country := strings.TrimSpace(req.City), strings.TrimSpace(req.Country)
		if city == "" || country == "" {
			return nil, errMissingArg
		}
		return canonicalResponse{City: city, Country: country, Key: keys.CanonicalKey(city, country)}, nil
	}
}

func healthEndpoint(st Store) kit.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		var (
			h   = healthResponse{Status: "ok"}
			err error
		)
		if h.Cities, err = st.CountCities(ctx); err != nil {
			return nil, fmt.Errorf("count cities: %w", err)
		}
		if h.Videos, err = st.CountVideos(ctx); err != nil {
			return nil, fmt.Errorf("count videos: %w", err)
		}
		if h.Pedestrians, err = st.CountPedestrians(ctx); err != nil {
			return nil, fmt.Errorf("count pedestrians: %w", err)
		}
		if h.Facts, err = st.CountFacts(ctx); err != nil {
			return nil, fmt.Errorf("count facts: %w", err)
		}
		return h, nil
	}
}

// logged records each endpoint call with its transport and request id.
func logged(logger *slog.Logger, name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, request any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, request)
			attrs := []any{
				"endpoint", name,
				"transport", kit.GetTransport(ctx),
				"request_id", kit.GetRequestID(ctx),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("endpoint served", attrs...)
			}
			return resp, err
		}
	}
}
