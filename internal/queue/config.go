package queue

import "time"

// Config controls one dispatcher pass.
type Config struct {
	// Timeout bounds how long Run keeps polling.
	Timeout time.Duration `mapstructure:"timeout"`
	// EmailDelay is the pause after each processed record.
	EmailDelay time.Duration `mapstructure:"email_delay"`
	// CheckIterationDelay is the wait when nothing is eligible.
	CheckIterationDelay time.Duration `mapstructure:"check_iteration_delay"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	// DefaultMaxAttempts applies to records without a template. Zero or
	// less retries forever.
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	Claim              bool          `mapstructure:"claim"`
	ClaimTTL           time.Duration `mapstructure:"claim_ttl"`
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// DefaultConfig returns the library defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             60 * time.Second,
		EmailDelay:          500 * time.Millisecond,
		CheckIterationDelay: 3 * time.Second,
		RetryDelay:          DefaultRetryDelay,
		DefaultMaxAttempts:  0,
		Claim:               true,
		ClaimTTL:            5 * time.Minute,
		SendTimeout:         60 * time.Second,
	}
}

// DaemonConfig returns the settings used by the emailer daemon, which is
// restarted every five minutes by its scheduler.
func DaemonConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 295 * time.Second
	cfg.EmailDelay = 300 * time.Millisecond
	cfg.CheckIterationDelay = 2 * time.Second
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.EmailDelay < 0 {
		c.EmailDelay = 0
	}
	if c.CheckIterationDelay <= 0 {
		c.CheckIterationDelay = def.CheckIterationDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = def.ClaimTTL
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	return c
}
