package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Builder  BuilderConfig  `mapstructure:"builder"`
	Registry RegistryConfig `mapstructure:"registry"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	Path            string        `mapstructure:"path"`   // sqlite file path
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`

	// ExtendedColumns disables the reduced-column compatibility write path
	// when false. Deployments running an older schema set this to false so
	// job updates only touch the mandatory column set.
	ExtendedColumns bool `mapstructure:"extended_columns"`
}

// DSN builds the connection string for the configured driver.
// Parameters: none.
// Returns:
//   - string: driver-specific DSN.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
	}
	return c.Path
}

// GraphConfig configures the device-management (Graph-style) API client and
// the per-tenant bearer tokens used against it.
type GraphConfig struct {
	BaseURL      string            `mapstructure:"base_url"`
	Token        string            `mapstructure:"token"`
	TenantTokens map[string]string `mapstructure:"tenant_tokens"`
	Timeout      time.Duration     `mapstructure:"timeout"`
}

// BuilderConfig configures the remote build trigger service.
type BuilderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RegistryConfig configures the installer metadata lookup service.
type RegistryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig configures the S3-compatible object store where packager
// workers stage encrypted installer bundles.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

// BatchConfig holds orchestration knobs: staleness thresholds and the cron
// specs driving the periodic orchestrator passes.
type BatchConfig struct {
	ItemStaleAfter   time.Duration `mapstructure:"item_stale_after"`
	JobStaleAfter    time.Duration `mapstructure:"job_stale_after"`
	OrchestratorCron string        `mapstructure:"orchestrator_cron"`
	StaleSweepCron   string        `mapstructure:"stale_sweep_cron"`
}

// UploadConfig holds the chunked-upload protocol knobs.
type UploadConfig struct {
	ChunkSizeBytes      int64         `mapstructure:"chunk_size_bytes"`
	URIPollAttempts     int           `mapstructure:"uri_poll_attempts"`
	URIPollInterval     time.Duration `mapstructure:"uri_poll_interval"`
	ProcessPollAttempts int           `mapstructure:"process_poll_attempts"`
	ProcessPollInterval time.Duration `mapstructure:"process_poll_interval"`
	Workers             int           `mapstructure:"workers"`
	TempDir             string        `mapstructure:"temp_dir"`
}

// NotifyConfig configures the outbound webhook notification sink.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/packpilot.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.extended_columns", true)
	v.SetDefault("graph.base_url", "https://graph.microsoft.com/beta")
	v.SetDefault("graph.timeout", 30*time.Second)
	v.SetDefault("builder.timeout", 30*time.Second)
	v.SetDefault("registry.timeout", 15*time.Second)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "bundles")
	v.SetDefault("batch.item_stale_after", 45*time.Minute)
	v.SetDefault("batch.job_stale_after", 45*time.Minute)
	v.SetDefault("batch.orchestrator_cron", "@every 2m")
	v.SetDefault("batch.stale_sweep_cron", "@every 5m")
	v.SetDefault("upload.chunk_size_bytes", int64(6*1024*1024))
	v.SetDefault("upload.uri_poll_attempts", 60)
	v.SetDefault("upload.uri_poll_interval", 2*time.Second)
	v.SetDefault("upload.process_poll_attempts", 120)
	v.SetDefault("upload.process_poll_interval", 5*time.Second)
	v.SetDefault("upload.workers", 3)
	v.SetDefault("upload.temp_dir", "")
	v.SetDefault("notify.timeout", 10*time.Second)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("graph.token", "GRAPH_TOKEN")
	v.BindEnv("builder.token", "BUILDER_TOKEN")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("notify.webhook_url", "NOTIFY_WEBHOOK_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
