// Package config loads and validates ingest configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-photo-ingest/internal/concurrency"
	"github.com/JakeFAU/listing-photo-ingest/internal/dedup"
	"github.com/JakeFAU/listing-photo-ingest/internal/fetcher"
	"github.com/JakeFAU/listing-photo-ingest/internal/logging"
	"github.com/JakeFAU/listing-photo-ingest/internal/orchestrator"
	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
	"github.com/JakeFAU/listing-photo-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-photo-ingest/internal/retry"
	"github.com/JakeFAU/listing-photo-ingest/internal/source/gallery"
	"github.com/JakeFAU/listing-photo-ingest/internal/standardize"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
	"github.com/JakeFAU/listing-photo-ingest/internal/storage/gcs"
	"github.com/JakeFAU/listing-photo-ingest/internal/storage/local"
	"github.com/JakeFAU/listing-photo-ingest/internal/storage/postgres"
	pkgconfig "github.com/JakeFAU/listing-photo-ingest/pkg/config"
)

// EnvPrefix namespaces environment overrides, e.g. INGEST_STATE_DIR.
const EnvPrefix = "INGEST"

// Source types.
const (
	SourceStatic  = "static"
	SourceGallery = "gallery"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging     logging.Config            `mapstructure:"logging"`
	Server      ServerConfig              `mapstructure:"server"`
	State       state.Config              `mapstructure:"state"`
	Store       StoreConfig               `mapstructure:"store"`
	Standardize standardize.Config        `mapstructure:"standardize"`
	Dedup       dedup.Config              `mapstructure:"dedup"`
	Concurrency concurrency.Config        `mapstructure:"concurrency"`
	Breaker     concurrency.BreakerConfig `mapstructure:"breaker"`
	Errors      concurrency.ErrorConfig   `mapstructure:"errors"`
	HTTP        fetcher.Config            `mapstructure:"http"`
	Extract     orchestrator.Config       `mapstructure:"extract"`
	Sources     []SourceConfig            `mapstructure:"sources"`
	Progress    progress.Config           `mapstructure:"progress"`
	PubSub      PubSubConfig              `mapstructure:"pubsub"`
	DB          postgres.RunStoreConfig   `mapstructure:"db"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig places the content store and its optional bucket mirror.
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
	// GCS mirrors new images when Bucket is set.
	GCS gcs.Config `mapstructure:"gcs"`
	// Mirror copies new images to a second directory when Dir is set.
	Mirror local.Config `mapstructure:"mirror"`
}

// SourceConfig declares one listing source.
type SourceConfig struct {
	Type string `mapstructure:"type"`
	// ListingsFile is the JSON table read by static sources.
	ListingsFile string  `mapstructure:"listings_file"`
	RPS          float64 `mapstructure:"rps"`
	Burst        int     `mapstructure:"burst"`

	gallery.Config `mapstructure:",squash"`
}

// PubSubConfig enables property notifications.
type PubSubConfig struct {
	Enabled bool `mapstructure:"enabled"`

	pubsub.Config `mapstructure:",squash"`
}

// Load builds a Config from disk and environment. An empty path searches the
// default locations and falls back to defaults when no file exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var used string
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		used = path
	} else {
		found, err := pkgconfig.Discover(v, "ingest")
		if err != nil {
			return Config{}, err
		}
		used = found
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = used

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("state.dir", "data/state")
	v.SetDefault("state.checkpoint_interval", 10)
	v.SetDefault("state.stale_after", 30*24*time.Hour)
	v.SetDefault("state.history_keep", 50)

	v.SetDefault("store.dir", "data/images")
	v.SetDefault("store.gcs.bucket", "")
	v.SetDefault("store.gcs.prefix", "images")
	v.SetDefault("store.mirror.dir", "")

	std := standardize.DefaultConfig()
	v.SetDefault("standardize.max_raw_bytes", std.MaxRawBytes)
	v.SetDefault("standardize.max_pixels", std.MaxPixels)
	v.SetDefault("standardize.max_dimension", std.MaxDimension)

	dd := dedup.DefaultConfig()
	v.SetDefault("dedup.path", "")
	v.SetDefault("dedup.bands", dd.Bands)
	v.SetDefault("dedup.coarse_threshold", dd.CoarseThreshold)
	v.SetDefault("dedup.fine_threshold", dd.FineThreshold)
	v.SetDefault("dedup.per_property", dd.PerProperty)

	cc := concurrency.DefaultConfig()
	v.SetDefault("concurrency.max_concurrent", cc.MaxConcurrent)
	v.SetDefault("concurrency.cpu_workers", cc.CPUWorkers)
	v.SetDefault("concurrency.source_rps", 2.0)
	v.SetDefault("concurrency.source_burst", 4)

	br := concurrency.DefaultBreakerConfig()
	v.SetDefault("breaker.failure_threshold", br.FailureThreshold)
	v.SetDefault("breaker.cooldown", br.Cooldown)
	v.SetDefault("breaker.half_open_successes", br.HalfOpenSuccesses)

	ec := concurrency.DefaultErrorConfig()
	v.SetDefault("errors.suppress_threshold", ec.SuppressThreshold)
	v.SetDefault("errors.max_patterns", ec.MaxPatterns)

	hc := fetcher.DefaultConfig()
	v.SetDefault("http.user_agent", hc.UserAgent)
	v.SetDefault("http.timeout", hc.Timeout)
	v.SetDefault("http.max_body_bytes", hc.MaxBodyBytes)

	ex := orchestrator.DefaultConfig()
	rp := retry.DefaultPolicy()
	v.SetDefault("extract.strict_mode", ex.StrictMode)
	v.SetDefault("extract.property_workers", ex.PropertyWorkers)
	v.SetDefault("extract.list_timeout", ex.ListTimeout)
	v.SetDefault("extract.download_timeout", ex.DownloadTimeout)
	v.SetDefault("extract.top_errors", ex.TopErrors)
	v.SetDefault("extract.retry.max_attempts", rp.MaxAttempts)
	v.SetDefault("extract.retry.base_delay", rp.BaseDelay)
	v.SetDefault("extract.retry.max_delay", rp.MaxDelay)

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "listing-photos")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "ingest_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.State.CheckpointInterval <= 0 {
		return fmt.Errorf("state.checkpoint_interval must be > 0")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Store.Mirror.Dir != "" && filepath.Clean(c.Store.Mirror.Dir) == filepath.Clean(c.Store.Dir) {
		return fmt.Errorf("store.mirror.dir must differ from store.dir")
	}
	if c.Standardize.MaxDimension <= 0 || c.Standardize.MaxRawBytes <= 0 || c.Standardize.MaxPixels <= 0 {
		return fmt.Errorf("standardize limits must be > 0")
	}
	if err := c.Dedup.Validate(); err != nil {
		return err
	}
	if c.Concurrency.MaxConcurrent <= 0 {
		return fmt.Errorf("concurrency.max_concurrent must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if err := c.Extract.Validate(); err != nil {
		return err
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
		switch src.Type {
		case SourceStatic:
			if src.ListingsFile == "" {
				return fmt.Errorf("sources[%d] (%s): listings_file is required for static sources", i, src.Name)
			}
		case SourceGallery:
			if src.URLTemplate == "" {
				return fmt.Errorf("sources[%d] (%s): url_template is required for gallery sources", i, src.Name)
			}
		default:
			return fmt.Errorf("sources[%d] (%s): unknown type %q", i, src.Name, src.Type)
		}
		if src.RPS < 0 || src.Burst < 0 {
			return fmt.Errorf("sources[%d] (%s): rps and burst must be >= 0", i, src.Name)
		}
	}
	return nil
}

// DedupPath returns the index location, defaulting into the state directory.
func (c Config) DedupPath() string {
	if c.Dedup.Path != "" {
		return c.Dedup.Path
	}
	return filepath.Join(c.State.Dir, dedup.DefaultFile)
}
