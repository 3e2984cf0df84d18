package store

import (
	"fmt"
	"strings"
)

// Kind is the SQL type family of a declared column.
type Kind int

const (
	Real Kind = iota
	Int
	Text
	Bool
)

// Column is a declared wide-table column. The CSV header uses the same name.
type Column struct {
	Name string
	Kind Kind
}

// VideoColumns are the measurement and categorical columns of video, in
// addition to id, link and city_id. Re-ingestion overwrites all of them.
var VideoColumns = []Column{
	{"duration", Real},
	{"total_frames", Int},
	{"analysis_seconds", Real},
	{"weather", Text},
	{"daytime", Text},
	{"vehicle_type_1", Text},
	{"vehicle_type_2", Text},
	{"vehicle_type_3", Text},
	{"crossing_speed_avg", Real},
	{"crossing_time_avg", Real},
	{"pedestrian_density", Real},
	{"vehicle_density", Real},
	{"risky_crossing_ratio", Real},
	{"run_red_light_ratio", Real},
	{"crosswalk_usage_ratio", Real},
	{"phone_usage_ratio", Real},
	{"group_crossing_ratio", Real},
	{"male_ratio", Real},
	{"female_ratio", Real},
	{"child_ratio", Real},
	{"elderly_ratio", Real},
	{"umbrella_ratio", Real},
	{"backpack_ratio", Real},
	{"car_presence_ratio", Real},
	{"bus_presence_ratio", Real},
	{"truck_presence_ratio", Real},
	{"motorcycle_presence_ratio", Real},
	{"bicycle_presence_ratio", Real},
	{"night_crossing_ratio", Real},
	{"traffic_light_presence_prob", Real},
	{"traffic_sign_presence_prob", Real},
	{"crosswalk_presence_prob", Real},
	{"police_presence_prob", Real},
}

// PedestrianColumns are the observation columns of pedestrian, in addition
// to id, video_id and track_id.
var PedestrianColumns = []Column{
	{"gender", Text},
	{"age_group", Text},
	{"upper_clothing_color", Text},
	{"lower_clothing_color", Text},
	{"crossing_location", Text},
	{"crossing_time", Real},
	{"crossing_speed", Real},
	{"risky_crossing", Bool},
	{"run_red_light", Bool},
	{"crosswalk_use", Bool},
	{"phone_use", Bool},
	{"group_crossing", Bool},
	{"with_child", Bool},
	{"hat", Bool},
	{"sunglasses", Bool},
	{"mask", Bool},
	{"shirt", Bool},
	{"t_shirt", Bool},
	{"jacket", Bool},
	{"coat", Bool},
	{"dress", Bool},
	{"shorts", Bool},
	{"skirt", Bool},
	{"trousers", Bool},
	{"umbrella", Bool},
	{"backpack", Bool},
	{"handbag", Bool},
	{"suitcase", Bool},
	{"shopping_bag", Bool},
	{"stroller", Bool},
	{"wheelchair", Bool},
	{"cane", Bool},
	{"dog", Bool},
	{"bicycle_walked", Bool},
	{"scooter_walked", Bool},
	{"headphones", Bool},
	{"smoking", Bool},
	{"eating", Bool},
	{"drinking", Bool},
	{"talking", Bool},
	{"looking_at_phone", Bool},
	{"looking_at_traffic", Bool},
	{"hesitated", Bool},
	{"ran", Bool},
	{"car_present", Bool},
	{"bus_present", Bool},
	{"truck_present", Bool},
	{"motorcycle_present", Bool},
	{"bicycle_present", Bool},
	{"scooter_present", Bool},
	{"police_present", Bool},
	{"traffic_light_present", Bool},
	{"traffic_sign_present", Bool},
	{"crosswalk_present", Bool},
	{"at_intersection", Bool},
	{"night", Bool},
	{"rain", Bool},
}

// PedestrianCoreColumns are the only columns a conflicting pedestrian upsert
// updates. The remaining flags keep their first-written values.
var PedestrianCoreColumns = []string{
	"gender", "age_group", "crossing_time", "crossing_speed", "risky_crossing", "run_red_light",
}

// CityColumns lists the nullable city attributes in table order.
var CityColumns = []Column{
	{"state", Text},
	{"iso3", Text},
	{"continent", Text},
	{"latitude", Real},
	{"longitude", Real},
	{"population_city", Int},
	{"population_country", Int},
	{"literacy_rate", Real},
	{"gini", Real},
	{"median_age", Real},
	{"avg_height", Real},
	{"traffic_mortality", Real},
	{"gmp", Real},
}

func sqlType(d Dialect, k Kind) string {
	switch k {
	case Int:
		if d == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case Text:
		return "TEXT"
	case Bool:
		return "BOOLEAN"
	default:
		if d == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	}
}

func columnDefs(d Dialect, cols []Column) string {
	var b strings.Builder
	for _, c := range cols {
		fmt.Fprintf(&b, ",\n\t%s %s", c.Name, sqlType(d, c.Kind))
	}
	return b.String()
}

func schemaStatements(d Dialect) []string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ref := "INTEGER"
	if d == Postgres {
		pk = "BIGSERIAL PRIMARY KEY"
		ref = "BIGINT"
	}
	bigint := sqlType(d, Int)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS city (
	id %s,
	city TEXT NOT NULL,
	country TEXT NOT NULL%s,
	canonical_key TEXT NOT NULL,
	needs_enrichment BOOLEAN NOT NULL DEFAULT FALSE,
	enriched_at %s,
	UNIQUE (city, country)
)`, pk, columnDefs(d, CityColumns), bigint),
		`CREATE INDEX IF NOT EXISTS idx_city_canonical_key ON city (canonical_key)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS video (
	id %s,
	link TEXT NOT NULL UNIQUE,
	city_id %s NOT NULL REFERENCES city (id)%s
)`, pk, ref, columnDefs(d, VideoColumns)),
		`CREATE INDEX IF NOT EXISTS idx_video_city ON video (city_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pedestrian (
	id %s,
	video_id %s NOT NULL REFERENCES video (id),
	track_id TEXT NOT NULL%s,
	UNIQUE (video_id, track_id)
)`, pk, ref, columnDefs(d, PedestrianColumns)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS analytics_dimension (
	id %s,
	dimension_type TEXT NOT NULL,
	dimension_value TEXT NOT NULL,
	UNIQUE (dimension_type, dimension_value)
)`, pk),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS analytics_fact (
	id %s,
	dimension_id %s NOT NULL REFERENCES analytics_dimension (id),
	fact_type TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	numeric_value %s,
	percentage_value %s,
	correlation_value %s,
	sample_size %s,
	source_file TEXT NOT NULL,
	created_at %s NOT NULL
)`, pk, ref, sqlType(d, Real), sqlType(d, Real), sqlType(d, Real), bigint, bigint),
		`CREATE INDEX IF NOT EXISTS idx_fact_dimension ON analytics_fact (dimension_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ingest_run (
	run_id TEXT PRIMARY KEY,
	started_at %s NOT NULL,
	finished_at %s,
	status TEXT NOT NULL,
	report_json TEXT
)`, bigint, bigint),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS source_file (
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	last_checksum TEXT,
	last_rows %s,
	last_status TEXT,
	last_error TEXT,
	updated_at %s NOT NULL
)`, bigint, bigint),
	}
}

func columnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}
