package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sungwon/mailqueue/internal/auth"
	"github.com/sungwon/mailqueue/internal/dkim"
	"github.com/sungwon/mailqueue/internal/emailer"
	"github.com/sungwon/mailqueue/internal/lease"
	"github.com/sungwon/mailqueue/internal/logger"
	"github.com/sungwon/mailqueue/internal/notify"
	"github.com/sungwon/mailqueue/internal/provider"
	"github.com/sungwon/mailqueue/internal/queue"
	"github.com/sungwon/mailqueue/internal/renderer"
	"github.com/sungwon/mailqueue/internal/serializer"
	"github.com/sungwon/mailqueue/internal/staging"
	"github.com/sungwon/mailqueue/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g.
// MAILQUEUE_DATABASE_URL overrides database.url.
const EnvPrefix = "MAILQUEUE"

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     queue.Config    `mapstructure:"queue"`
	Mailer    MailerConfig    `mapstructure:"mailer"`
	Transport TransportConfig `mapstructure:"transport"`
	DKIM      DKIMConfig      `mapstructure:"dkim"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lease     lease.Config    `mapstructure:"lease"`
	Notify    notify.Config   `mapstructure:"notify"`
	API       APIConfig       `mapstructure:"api"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	// Templates are template definitions created at startup when missing.
	Templates []TemplateSeed `mapstructure:"templates"`
}

// TemplateSeed declares a template definition.
type TemplateSeed struct {
	Slug               string `mapstructure:"slug"`
	Path               string `mapstructure:"path"`
	MaxAllowedAttempts int    `mapstructure:"max_allowed_attempts"`
	Note               string `mapstructure:"note"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MailerConfig holds the sender defaults and the emailer switches.
type MailerConfig struct {
	From         string   `mapstructure:"from"`
	FromName     string   `mapstructure:"from_name"`
	DefaultBcc   []string `mapstructure:"default_bcc"`
	UseQueue     bool     `mapstructure:"use_queue"`
	TemplatesDir string   `mapstructure:"templates_dir"`
	Language     string   `mapstructure:"language"`
	// Hostname is used in generated Message-Id headers.
	Hostname string `mapstructure:"hostname"`
	// RecordCacheTTL bounds how long a looked-up record is served from
	// memory. Zero disables the cache.
	RecordCacheTTL time.Duration `mapstructure:"record_cache_ttl"`
}

// TransportConfig selects the delivery transport.
type TransportConfig struct {
	Type               string        `mapstructure:"type"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	Secure             string        `mapstructure:"secure"`
	ClientHost         string        `mapstructure:"client_host"`
	AuthMechanism      string        `mapstructure:"auth_mechanism"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	SendmailPath       string        `mapstructure:"sendmail_path"`
	OutputDir          string        `mapstructure:"output_dir"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// DKIMConfig selects the signing key. Signing is off when empty.
type DKIMConfig struct {
	Domain     string `mapstructure:"domain"`
	Selector   string `mapstructure:"selector"`
	KeyPath    string `mapstructure:"key_path"`
	PrivateKey string `mapstructure:"private_key"`
}

// StagingConfig selects where attachments wait between enqueue and send.
type StagingConfig struct {
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"path"`
	Mode       string `mapstructure:"mode"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// RendererConfig configures template rendering.
type RendererConfig struct {
	// Params are merged into every render call, below the caller's params.
	Params map[string]any      `mapstructure:"params"`
	MJML   renderer.MJMLConfig `mapstructure:"mjml"`
}

// RedisConfig is shared by the lease and the redis notifier.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// KeyHashes are bcrypt hashes of the accepted bearer API keys. The API
	// is open when the list is empty.
	KeyHashes []string `mapstructure:"key_hashes"`
}

// IntakeConfig holds the SMTP submission server configuration.
type IntakeConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Domain            string        `mapstructure:"domain"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	MaxRecipients     int           `mapstructure:"max_recipients"`
	AllowInsecureAuth bool          `mapstructure:"allow_insecure_auth"`
	// Users maps AUTH usernames to bcrypt password hashes.
	Users   map[string]string  `mapstructure:"users"`
	Lockout auth.LockoutConfig `mapstructure:"lockout"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
	// StoreLevel enables copying dispatcher events at or above this level
	// into the email_log table. Empty disables it.
	StoreLevel string `mapstructure:"store_level"`
}

// MetricsConfig controls the daemon's Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory.
// A .env file in the working directory or in configPath is loaded first
// when present. Environment variables with prefix MAILQUEUE_ override file
// values.
func Load(configPath string) (*Config, error) {
	for _, env := range []string{".env", configPath + "/.env"} {
		if err := godotenv.Load(env); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", env, err)
		}
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	daemon := queue.DaemonConfig()
	v.SetDefault("queue.timeout", daemon.Timeout)
	v.SetDefault("queue.email_delay", daemon.EmailDelay)
	v.SetDefault("queue.check_iteration_delay", daemon.CheckIterationDelay)
	v.SetDefault("queue.retry_delay", daemon.RetryDelay)
	v.SetDefault("queue.claim", daemon.Claim)
	v.SetDefault("queue.claim_ttl", daemon.ClaimTTL)
	v.SetDefault("queue.send_timeout", daemon.SendTimeout)

	v.SetDefault("transport.type", "smtp")
	v.SetDefault("staging.type", "local")
	v.SetDefault("staging.mode", string(staging.ModeRetain))
	v.SetDefault("notify.type", "none")
	v.SetDefault("lease.key", lease.DefaultKey)
	v.SetDefault("renderer.mjml.endpoint", renderer.DefaultMJMLEndpoint)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("metrics.addr", ":9090")
}

// Validate fails on unsupported enum values and missing dependencies
// between sections.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case "smtp", "sendmail", "stdout", "file":
	default:
		return fmt.Errorf("transport.type: unsupported value %q", c.Transport.Type)
	}
	switch c.Transport.Secure {
	case "", "tls", "ssl":
	default:
		return fmt.Errorf("transport.secure: unsupported value %q", c.Transport.Secure)
	}
	if _, err := staging.ParseMode(c.Staging.Mode); err != nil {
		return fmt.Errorf("staging.mode: %w", err)
	}
	switch c.Staging.Type {
	case "", "local":
	case "s3":
		if c.Staging.S3Bucket == "" {
			return errors.New("staging.s3_bucket is required for s3 staging")
		}
	default:
		return fmt.Errorf("staging.type: unsupported value %q", c.Staging.Type)
	}
	switch c.Notify.Type {
	case "", "none", "sqs":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for redis notifications")
		}
	default:
		return fmt.Errorf("notify.type: unsupported value %q", c.Notify.Type)
	}
	if c.Lease.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when lease.enabled is set")
	}
	switch c.Logging.Output {
	case "", "stdout", "console", "file":
	default:
		return fmt.Errorf("logging.output: unsupported value %q", c.Logging.Output)
	}
	if c.Queue.Timeout < 0 || c.Queue.EmailDelay < 0 || c.Queue.CheckIterationDelay < 0 {
		return errors.New("queue: durations must not be negative")
	}
	return nil
}

// Pool returns the database pool settings.
func (c DatabaseConfig) Pool() storage.PoolConfig {
	return storage.PoolConfig{
		URL:            c.URL,
		MinConns:       c.PoolMin,
		MaxConns:       c.PoolMax,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// Serializer returns the serializer settings for the given staging mode.
func (c MailerConfig) Serializer(mode staging.Mode) serializer.Config {
	return serializer.Config{
		From:       c.From,
		FromName:   c.FromName,
		DefaultBcc: c.DefaultBcc,
		Mode:       mode,
	}
}

// Emailer returns the emailer settings.
func (c MailerConfig) Emailer() emailer.Config {
	return emailer.Config{
		UseQueue:     c.UseQueue,
		TemplatesDir: c.TemplatesDir,
		Language:     c.Language,
	}
}

// Provider returns the transport settings.
func (c TransportConfig) Provider(hostname string) provider.Config {
	return provider.Config{
		Type: c.Type,
		SMTP: provider.SMTPConfig{
			Host:               c.Host,
			Port:               c.Port,
			Username:           c.Username,
			Password:           c.Password,
			Secure:             c.Secure,
			ClientHost:         c.ClientHost,
			AuthMechanism:      c.AuthMechanism,
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
		SendmailPath: c.SendmailPath,
		OutputDir:    c.OutputDir,
		Hostname:     hostname,
		Timeout:      c.Timeout,
	}
}

// Signer returns the DKIM settings.
func (c DKIMConfig) Signer() dkim.Config {
	return dkim.Config{
		Domain:     c.Domain,
		Selector:   c.Selector,
		KeyPath:    c.KeyPath,
		PrivateKey: c.PrivateKey,
	}
}

// Store returns the staging store settings.
func (c StagingConfig) Store() staging.Config {
	return staging.Config{
		Type:       c.Type,
		Path:       c.Path,
		Mode:       c.Mode,
		S3Bucket:   c.S3Bucket,
		S3Prefix:   c.S3Prefix,
		S3Endpoint: c.S3Endpoint,
		S3Region:   c.S3Region,
	}
}

// Logger returns the logger settings.
func (c LoggingConfig) Logger() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:     c.Level,
		Output:    c.Output,
		FilePath:  c.FilePath,
		MaxSizeMB: c.MaxSizeMB,
		MaxFiles:  c.MaxFiles,
	}
}
