// Package sources holds the fixed catalog of input files and a preflight
// checker that records their presence and checksum.
package sources

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/hazyhaar/crosswalk/pkg/rows"
)

// Kind classifies a source file.
type Kind string

const (
	// Primary files establish city and video identity; a decode failure on
	// one of them is fatal to the run.
	Primary Kind = "primary"
	// Auxiliary files feed the analytics facts.
	Auxiliary Kind = "auxiliary"
)

// Primary file names.
const (
	VideoInfo      = "all_video_info.csv"
	CityInfo       = "all_city_info.csv"
	PedestrianInfo = "all_pedestrian_info.csv"
)

// File describes one known input file.
type File struct {
	Name        string
	Kind        Kind
	Description string
}

var catalog = map[string]File{
	VideoInfo:      {VideoInfo, Primary, "one row per video with its city and measurement columns"},
	CityInfo:       {CityInfo, Primary, "city demographics and coordinates"},
	PedestrianInfo: {PedestrianInfo, Primary, "one row per tracked pedestrian keyed by link and track_id"},

	"gender_statistics.csv":           {"gender_statistics.csv", Auxiliary, "crossing behaviour by gender"},
	"age_statistics.csv":              {"age_statistics.csv", Auxiliary, "crossing behaviour by age group"},
	"clothing_statistics.csv":         {"clothing_statistics.csv", Auxiliary, "clothing item flags"},
	"carried_items_statistics.csv":    {"carried_items_statistics.csv", Auxiliary, "carried item flags"},
	"vehicle_presence_statistics.csv": {"vehicle_presence_statistics.csv", Auxiliary, "vehicle co-presence flags"},
	"weather_daytime_statistics.csv":  {"weather_daytime_statistics.csv", Auxiliary, "crossing behaviour by weather and daytime"},
	"continent_statistics.csv":        {"continent_statistics.csv", Auxiliary, "video and pedestrian totals by continent"},
	"crossing_speed_by_city.csv":      {"crossing_speed_by_city.csv", Auxiliary, "average crossing speed per city"},
	"phone_usage_statistics.csv":      {"phone_usage_statistics.csv", Auxiliary, "crossing behaviour by phone usage"},
	"traffic_light_statistics.csv":    {"traffic_light_statistics.csv", Auxiliary, "red light violations by signal state"},
	"correlation_matrix.csv":          {"correlation_matrix.csv", Auxiliary, "pairwise correlations between behaviour variables"},
	"risk_coefficients.csv":           {"risk_coefficients.csv", Auxiliary, "logistic regression coefficients for risky crossing"},
	"tracking_debug_export.csv":       {"tracking_debug_export.csv", Auxiliary, "tracker debug dump, not mapped"},
}

// Lookup returns a catalog entry by name.
func Lookup(name string) (File, error) {
	f, ok := catalog[name]
	if !ok {
		return File{}, fmt.Errorf("unknown source file: %q", name)
	}
	return f, nil
}

// All returns every known file sorted by kind (primary first) then name.
func All() []File {
	out := make([]File, 0, len(catalog))
	for _, f := range catalog {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == Primary
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ByKind returns the files of one kind sorted by name.
func ByKind(k Kind) []File {
	var out []File
	for _, f := range All() {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

// Checksum is the hex xxh3 digest of a file's bytes.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// Load reads and decodes one file from dir. A read failure is reported as a
// *rows.DecodeError like any decode failure.
func Load(dir, name string, opts ...rows.Option) (*rows.Table, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, "", &rows.DecodeError{File: name, Err: err}
	}
	t, err := rows.Parse(name, data, opts...)
	return t, Checksum(data), err
}
