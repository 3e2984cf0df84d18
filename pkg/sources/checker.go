package sources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Status values recorded for a checked file.
const (
	StatusOK         = "ok"
	StatusMissing    = "missing"
	StatusUnreadable = "unreadable"
)

// Log is where check results are persisted. *store.Store satisfies it.
type Log interface {
	SeedSources(ctx context.Context, files []store.SourceFile) error
	UpdateSource(ctx context.Context, name, checksum string, rows int64, status, errMsg string) error
}

// Result is the outcome of checking one file.
type Result struct {
	File     File
	Path     string
	Status   string
	Checksum string
	Rows     int
	Encoding string
	Err      error
}

// Checker stats and decodes every catalog file in a directory.
type Checker struct {
	dir    string
	log    Log
	logger *slog.Logger
}

// NewChecker creates a Checker over dir. log may be nil.
func NewChecker(dir string, log Log, logger *slog.Logger) *Checker {
	return &Checker{dir: dir, log: log, logger: logger}
}

// Seed registers the catalog in the source log. Existing rows are kept.
func (c *Checker) Seed(ctx context.Context) error {
	if c.log == nil {
		return nil
	}
	files := All()
	seed := make([]store.SourceFile, 0, len(files))
	for _, f := range files {
		seed = append(seed, store.SourceFile{Name: f.Name, Kind: string(f.Kind), Description: f.Description})
	}
	return c.log.SeedSources(ctx, seed)
}

// CheckAll checks every catalog file and persists each result.
func (c *Checker) CheckAll(ctx context.Context) ([]Result, error) {
	if err := c.Seed(ctx); err != nil {
		return nil, err
	}

	var (
		results     []Result
		ok, missing int
	)
	for _, f := range All() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := c.checkOne(f)
		results = append(results, res)

		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if c.log != nil {
			if err := c.log.UpdateSource(ctx, f.Name, res.Checksum, int64(res.Rows), res.Status, errMsg); err != nil {
				c.logger.Error("source check: update failed", "file", f.Name, "error", err)
			}
		}

		if res.Status == StatusOK {
			ok++
			continue
		}
		missing++
		c.logger.Warn("source not usable",
			"file", f.Name,
			"kind", f.Kind,
			"status", res.Status,
			"error", errMsg,
		)
	}

	c.logger.Info("source check complete", "total", ok+missing, "ok", ok, "not_usable", missing)
	return results, nil
}

func (c *Checker) checkOne(f File) Result {
	res := Result{File: f, Path: filepath.Join(c.dir, f.Name)}

	t, sum, err := Load(c.dir, f.Name)
	res.Checksum = sum
	if errors.Is(err, fs.ErrNotExist) {
		res.Status = StatusMissing
		res.Err = fmt.Errorf("%s not found in %s", f.Name, c.dir)
		return res
	}
	if err != nil {
		res.Status = StatusUnreadable
		res.Err = err
		return res
	}
	res.Encoding = t.Encoding
	res.Rows = t.Count()
	res.Status = StatusOK
	return res
}
