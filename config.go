package evidencecache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrConfigInvalid is returned by FromEnv when a recognized variable
// holds a value that cannot be parsed. Configuration errors fail fast;
// they are never papered over with defaults.
var ErrConfigInvalid = errors.New("evidencecache: invalid configuration")

// Config collects the tunables of the cache. The zero value is not
// usable; start from DefaultConfig or FromEnv.
type Config struct {
	// Bucket is the S3 bucket holding the published partitions.
	Bucket string

	// IndexPrefix is the key prefix under which partitions live.
	IndexPrefix string

	// CacheDir is the local root for mirrored partitions.
	CacheDir string

	// WatchStateFile persists last-seen watermarks between runs.
	// Empty disables persistence.
	WatchStateFile string

	// PrewarmConcurrency bounds parallel sub-cache builds.
	PrewarmConcurrency int

	// PrewarmLimit caps URLs per reconciliation sweep. 0 = unlimited.
	PrewarmLimit int

	// PartitionStopHits ends a scan once one partition yielded this many
	// validated hits.
	PartitionStopHits int

	// MaxEvidencesPerClaim caps validated evidence per claim.
	MaxEvidencesPerClaim int

	// DistanceThreshold discards vector matches beyond this squared L2
	// distance.
	DistanceThreshold float64

	// Watch enables the background change watcher.
	Watch bool

	// WatchInterval is the polling period.
	WatchInterval time.Duration

	// IncludeFixed10 tracks partition_10 alongside the current month.
	IncludeFixed10 bool

	// ForceReload rebuilds sub-caches even when already materialized.
	ForceReload bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CacheDir:             "index_cache",
		PrewarmConcurrency:   3,
		PrewarmLimit:         0,
		PartitionStopHits:    1,
		MaxEvidencesPerClaim: 10,
		DistanceThreshold:    0.8,
		Watch:                true,
		WatchInterval:        5 * time.Minute,
	}
}

// FromEnv builds a Config from the process environment on top of
// DefaultConfig. Unset variables keep their defaults; malformed values
// return an error wrapping ErrConfigInvalid.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.Bucket = envString("S3_BUCKET_NAME", cfg.Bucket)
	cfg.IndexPrefix = envString("S3_INDEX_PREFIX", cfg.IndexPrefix)
	cfg.CacheDir = envString("CACHE_DIR", cfg.CacheDir)
	cfg.WatchStateFile = envString("WATCH_STATE_FILE", cfg.WatchStateFile)

	var err error
	if cfg.PrewarmConcurrency, err = envInt("PREWARM_CONCURRENCY", cfg.PrewarmConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.PrewarmLimit, err = envInt("PREWARM_LIMIT", cfg.PrewarmLimit); err != nil {
		return Config{}, err
	}
	if cfg.PartitionStopHits, err = envInt("PARTITION_STOP_HITS", cfg.PartitionStopHits); err != nil {
		return Config{}, err
	}
	if cfg.MaxEvidencesPerClaim, err = envInt("MAX_EVIDENCES_PER_CLAIM", cfg.MaxEvidencesPerClaim); err != nil {
		return Config{}, err
	}
	if cfg.DistanceThreshold, err = envFloat("DISTANCE_THRESHOLD", cfg.DistanceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Watch, err = envBool("TITLE_PRELOAD_WATCH", cfg.Watch); err != nil {
		return Config{}, err
	}
	if cfg.IncludeFixed10, err = envBool("TITLE_PRELOAD_INCLUDE_P10", cfg.IncludeFixed10); err != nil {
		return Config{}, err
	}
	if cfg.ForceReload, err = envBool("FORCE_RELOAD", cfg.ForceReload); err != nil {
		return Config{}, err
	}

	if raw := os.Getenv("TITLE_PRELOAD_WATCH_INTERVAL"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("%w: TITLE_PRELOAD_WATCH_INTERVAL=%q", ErrConfigInvalid, raw)
		}
		cfg.WatchInterval = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

// Validate reports whether the Config is usable.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("%w: cache dir is empty", ErrConfigInvalid)
	}
	if c.PrewarmConcurrency <= 0 {
		return fmt.Errorf("%w: prewarm concurrency %d", ErrConfigInvalid, c.PrewarmConcurrency)
	}
	if c.PrewarmLimit < 0 {
		return fmt.Errorf("%w: prewarm limit %d", ErrConfigInvalid, c.PrewarmLimit)
	}
	if c.PartitionStopHits <= 0 {
		return fmt.Errorf("%w: partition stop hits %d", ErrConfigInvalid, c.PartitionStopHits)
	}
	if c.MaxEvidencesPerClaim <= 0 {
		return fmt.Errorf("%w: max evidences per claim %d", ErrConfigInvalid, c.MaxEvidencesPerClaim)
	}
	if c.DistanceThreshold <= 0 {
		return fmt.Errorf("%w: distance threshold %g", ErrConfigInvalid, c.DistanceThreshold)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrConfigInvalid, key, raw)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrConfigInvalid, key, raw)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrConfigInvalid, key, raw)
	}
	return v, nil
}
