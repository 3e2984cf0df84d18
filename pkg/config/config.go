// Package config loads the crosswalk YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	SourceDir       string     `yaml:"source_dir"`
	Database        Database   `yaml:"database"`
	CorrectionsFile string     `yaml:"corrections_file"`
	RulesFile       string     `yaml:"rules_file"`
	Enrichment      Enrichment `yaml:"enrichment"`
	Merge           Merge      `yaml:"merge"`
	Metrics         Metrics    `yaml:"metrics"`
	Report          Report     `yaml:"report"`
	Serve           Serve      `yaml:"serve"`
}

// Database selects the driver and data source.
type Database struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// Enrichment configures the geocoder client and scorer.
type Enrichment struct {
	BaseURL      string        `yaml:"base_url"`
	Username     string        `yaml:"username"`
	RequestDelay time.Duration `yaml:"request_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	MaxRows      int           `yaml:"max_rows"`
	MinScore     float64       `yaml:"min_score"`
	// IncludeOptional lists cities missing only optional fields outside
	// force mode. They are still skipped without a call.
	IncludeOptional bool `yaml:"include_optional"`
}

// Merge holds the automatic merge limits.
type Merge struct {
	HeavyReferenceThreshold int64   `yaml:"heavy_reference_threshold"`
	MaxCoordinateDriftKm    float64 `yaml:"max_coordinate_drift_km"`
}

// Metrics configures the Pushgateway backend. An empty URL disables it.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Report sets where the JSON run report is written; "-" is stdout.
type Report struct {
	Output string `yaml:"output"`
}

// Serve configures the operator HTTP surface.
type Serve struct {
	Addr string `yaml:"addr"`
	// TLS serves HTTP/1.1 and HTTP/2 over TLS plus HTTP/3 on the same port.
	// Without cert and key files a self-signed certificate is generated.
	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		SourceDir: "data",
		Database:  Database{Driver: "sqlite", DSN: "crosswalk.db"},
		Enrichment: Enrichment{
			BaseURL:      "http://api.geonames.org",
			Username:     "demo",
			RequestDelay: time.Second,
			Timeout:      10 * time.Second,
			Retries:      2,
			MaxRows:      10,
			MinScore:     0.6,
		},
		Merge:   Merge{HeavyReferenceThreshold: 50, MaxCoordinateDriftKm: 50},
		Metrics: Metrics{Job: "crosswalk"},
		Report:  Report{Output: "-"},
		Serve:   Serve{Addr: ":8430"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults and
// found=false; an unreadable or malformed file is an error.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, true, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, true, nil
}

// Validate checks values a run cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is empty")
	}
	if c.SourceDir == "" {
		return errors.New("source_dir is empty")
	}
	if c.Enrichment.MinScore < 0 || c.Enrichment.MinScore > 1.2 {
		return fmt.Errorf("enrichment.min_score %v out of range", c.Enrichment.MinScore)
	}
	if (c.Serve.CertFile == "") != (c.Serve.KeyFile == "") {
		return errors.New("serve.cert_file and serve.key_file must be set together")
	}
	if c.Enrichment.RequestDelay < 0 || c.Enrichment.Timeout < 0 || c.Enrichment.Retries < 0 {
		return errors.New("enrichment delays, timeout and retries must not be negative")
	}
	return nil
}
