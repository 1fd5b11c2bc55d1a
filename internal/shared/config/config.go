package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	S3        S3Config        `mapstructure:"s3"`
	LakeFS    LakeFSConfig    `mapstructure:"lakefs"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Git       GitConfig       `mapstructure:"git"`
	LFS       LFSConfig       `mapstructure:"lfs"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Log       LogConfig       `mapstructure:"log"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	// BaseURL is the public URL of this server, used when the server
	// has to hand out URLs pointing back at itself (LFS actions).
	BaseURL string `mapstructure:"base_url"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	// Backend selects the driver: "postgres" or "sqlite".
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration. Redis is optional; it only backs
// the quota usage cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// S3Config holds object storage configuration.
type S3Config struct {
	Endpoint        string        `mapstructure:"endpoint"`
	PublicEndpoint  string        `mapstructure:"public_endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// LakeFSConfig holds versioned-store configuration.
type LakeFSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	SessionExpire            time.Duration `mapstructure:"session_expire"`
	RequireEmailVerification bool          `mapstructure:"require_email_verification"`
	SessionCookie            string        `mapstructure:"session_cookie"`
	AnonCookie               string        `mapstructure:"anon_cookie"`
}

// GitConfig holds Git bridge configuration.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
	Agent       string `mapstructure:"agent"`
}

// LFSConfig holds server-wide LFS defaults; repositories may override them.
type LFSConfig struct {
	ThresholdBytes int64 `mapstructure:"threshold_bytes"`
	KeepVersions   int   `mapstructure:"keep_versions"`
	MaxFileSize    int64 `mapstructure:"max_file_size"`
}

// DownloadsConfig holds download accounting configuration.
type DownloadsConfig struct {
	// TimeBucket is the session coalescing window W; repeated downloads
	// from the same client within floor(now/W) count as one session.
	TimeBucket       time.Duration `mapstructure:"time_bucket"`
	KeepSessionsDays int           `mapstructure:"keep_sessions_days"`
	CleanupThreshold int           `mapstructure:"cleanup_threshold"`
}

// QuotaConfig holds default storage quotas. Zero means unlimited.
type QuotaConfig struct {
	DefaultUserPrivateBytes int64 `mapstructure:"default_user_private_bytes"`
	DefaultUserPublicBytes  int64 `mapstructure:"default_user_public_bytes"`
	DefaultOrgPrivateBytes  int64 `mapstructure:"default_org_private_bytes"`
	DefaultOrgPublicBytes   int64 `mapstructure:"default_org_public_bytes"`
}

// FallbackConfig holds federation configuration.
type FallbackConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	HeadTimeout     time.Duration `mapstructure:"head_timeout"`
	ListTimeout     time.Duration `mapstructure:"list_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/kohakuhub")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("KOHAKU")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if key := os.Getenv("KOHAKU_S3_SECRET_KEY"); key != "" {
		cfg.S3.SecretAccessKey = key
	}
	if key := os.Getenv("KOHAKU_LAKEFS_SECRET_KEY"); key != "" {
		cfg.LakeFS.SecretAccessKey = key
	}
	if password := os.Getenv("KOHAKU_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.base_url", "http://localhost:28080")

	v.SetDefault("server.address", ":28080")
	v.SetDefault("server.read_timeout", 300*time.Second)
	v.SetDefault("server.write_timeout", 300*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.backend", "sqlite")
	v.SetDefault("database.dsn", "kohakuhub.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("s3.endpoint", "http://localhost:9000")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "hub-storage")
	v.SetDefault("s3.force_path_style", true)
	v.SetDefault("s3.presign_expiry", time.Hour)

	v.SetDefault("lakefs.endpoint", "http://localhost:8000")

	v.SetDefault("auth.session_expire", 168*time.Hour)
	v.SetDefault("auth.require_email_verification", false)
	v.SetDefault("auth.session_cookie", "kohaku_session")
	v.SetDefault("auth.anon_cookie", "hf_download_session")

	v.SetDefault("git.author_name", "KohakuHub")
	v.SetDefault("git.author_email", "git@kohakuhub.local")
	v.SetDefault("git.agent", "kohakuhub/1.0")

	v.SetDefault("lfs.threshold_bytes", int64(10*1024*1024))
	v.SetDefault("lfs.keep_versions", 5)
	v.SetDefault("lfs.max_file_size", int64(5*1024*1024*1024))

	v.SetDefault("downloads.time_bucket", 30*time.Minute)
	v.SetDefault("downloads.keep_sessions_days", 30)
	v.SetDefault("downloads.cleanup_threshold", 10000)

	v.SetDefault("quota.default_user_private_bytes", int64(0))
	v.SetDefault("quota.default_user_public_bytes", int64(0))
	v.SetDefault("quota.default_org_private_bytes", int64(0))
	v.SetDefault("quota.default_org_public_bytes", int64(0))

	v.SetDefault("fallback.enabled", false)
	v.SetDefault("fallback.cache_max_entries", 1024)
	v.SetDefault("fallback.cache_ttl", 5*time.Minute)
	v.SetDefault("fallback.head_timeout", 10*time.Second)
	v.SetDefault("fallback.list_timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
