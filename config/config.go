package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Postgres  PostgresConfig
	Export    ExportConfig
	Scheduler SchedulerConfig
	Scraper   ScraperConfig
	Reaper    ReaperConfig
	Targets   TargetsConfig
	DBPath    string
	LogLevel  string
	LogFormat string
	LogPath   string
}

type PostgresConfig struct {
	URL string
}

type ExportConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type SchedulerConfig struct {
	PollInterval time.Duration
	Cron         string
}

type ScraperConfig struct {
	SearchURL         string
	LookupURL         string
	Headless          bool
	UserDataDir       string
	NavTimeout        time.Duration
	LookupDelay       time.Duration
	BatchDelayMin     time.Duration
	BatchDelayMax     time.Duration
	MinBatchSize      int
	MaxBatchSize      int
	DetectBlocking    bool
	HeartbeatInterval time.Duration
	Selectors         Selectors
}

// Selectors locate listing fields on the directory and the provider string
// on the lookup page. Overridable per deployment via config/selectors.yaml.
type Selectors struct {
	Results  string `yaml:"results"`
	Listing  string `yaml:"listing"`
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	Address  string `yaml:"address"`
	NextPage string `yaml:"next_page"`
	Provider string `yaml:"provider"`
}

type ReaperConfig struct {
	Interval          time.Duration
	HeartbeatTimeout  time.Duration
	ProcessingTimeout time.Duration
	QueuedTimeout     time.Duration
}

// TargetsConfig carries the default town and industry lists for scheduled
// sessions. User-submitted sessions bring their own.
type TargetsConfig struct {
	Towns      []string `yaml:"towns"`
	Industries []string `yaml:"industries"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Postgres: PostgresConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Export: ExportConfig{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Scheduler: SchedulerConfig{
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", 5*time.Second),
			Cron:         os.Getenv("SCRAPE_CRON"),
		},
		Scraper: ScraperConfig{
			SearchURL:         getEnv("SEARCH_URL", "https://www.brabys.com/search?industry=%s&location=%s"),
			LookupURL:         getEnv("LOOKUP_URL", "https://www.porting.co.za/lookup?msisdn=%s"),
			Headless:          getEnvBool("SCRAPER_HEADLESS", true),
			UserDataDir:       getEnv("BROWSER_DATA_DIR", "browser_data"),
			NavTimeout:        getEnvDuration("NAV_TIMEOUT", 60*time.Second),
			LookupDelay:       getEnvDuration("LOOKUP_DELAY", 500*time.Millisecond),
			BatchDelayMin:     getEnvDuration("BATCH_DELAY_MIN", 2*time.Second),
			BatchDelayMax:     getEnvDuration("BATCH_DELAY_MAX", 5*time.Second),
			MinBatchSize:      getEnvInt("MIN_BATCH_SIZE", 3),
			MaxBatchSize:      getEnvInt("MAX_BATCH_SIZE", 5),
			DetectBlocking:    getEnvBool("DETECT_BLOCKING", false),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			Selectors: Selectors{
				Results:  ".search-results",
				Listing:  ".business-card",
				Name:     ".business-name",
				Phone:    ".business-phone",
				Address:  ".business-address",
				NextPage: "a.pagination-next",
				Provider: ".lookup-result .provider-name",
			},
		},
		Reaper: ReaperConfig{
			Interval:          getEnvDuration("REAPER_INTERVAL", time.Minute),
			HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 10*time.Minute),
			ProcessingTimeout: getEnvDuration("PROCESSING_TIMEOUT", 10*time.Minute),
			QueuedTimeout:     getEnvDuration("QUEUED_TIMEOUT", 2*time.Hour),
		},
		DBPath:    getEnv("DB_PATH", "scraper.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogPath:   getEnv("LOG_PATH", ""),
	}

	if err := cfg.loadTargets(); err != nil {
		return nil, err
	}
	if err := cfg.loadSelectors(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadTargets() error {
	path := getEnv("TARGETS_PATH", "config/targets.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, &c.Targets)
}

func (c *Config) loadSelectors() error {
	path := getEnv("SELECTORS_PATH", "config/selectors.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, &c.Scraper.Selectors)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
