package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SourceRemote   = "remote"
	SourcePostgres = "postgres"
)

type Config struct {
	City            string
	DataSource      string
	DatabaseURL     string
	StationsURL     string
	TripsURL        string
	NATSURL         string
	NATSSubjectRoot string
	LogNATSSubjects bool
	InitialAnchor   int
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	DBWatchInterval time.Duration
	MetricsAddr     string
	Location        *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"), "Chicago")

	cfg.DataSource = strings.ToLower(getenvDefault("DATA_SOURCE", SourceRemote))
	switch cfg.DataSource {
	case SourceRemote, SourcePostgres:
	default:
		return nil, fmt.Errorf("invalid DATA_SOURCE: %q (want %s or %s)", cfg.DataSource, SourceRemote, SourcePostgres)
	}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if dsn == "" && cfg.DataSource == SourcePostgres {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := getenvDefault("PGDATABASE", "postgres")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn
	if cfg.DataSource == SourcePostgres && cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL or PG* variables must be set when DATA_SOURCE=postgres")
	}

	cfg.StationsURL = os.Getenv("STATIONS_URL")
	cfg.TripsURL = os.Getenv("TRIPS_URL")

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectRoot = getenvDefault("NATS_SUBJECT_PREFIX", "bikemap")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.InitialAnchor = -1
	if v := os.Getenv("INITIAL_ANCHOR"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < -1 || n > 1439 {
			return nil, fmt.Errorf("invalid INITIAL_ANCHOR: %q", v)
		}
		cfg.InitialAnchor = n
	}

	var err error
	if cfg.RefreshInterval, err = seconds("DATA_REFRESH_INTERVAL_SEC", 30*time.Minute, true); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = seconds("FETCH_TIMEOUT_SEC", 30*time.Second, false); err != nil {
		return nil, err
	}
	if cfg.DBWatchInterval, err = seconds("DB_WATCH_INTERVAL_SEC", 30*time.Minute, true); err != nil {
		return nil, err
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	tzName := os.Getenv("TZ")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// seconds reads a whole number of seconds from key. Zero is accepted only
// when allowZero is set and means "disabled".
func seconds(key string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || sec < 0 || (sec == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
