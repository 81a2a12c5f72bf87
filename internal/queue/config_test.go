package queue

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Timeout", cfg.Timeout, 60 * time.Second},
		{"EmailDelay", cfg.EmailDelay, 500 * time.Millisecond},
		{"CheckIterationDelay", cfg.CheckIterationDelay, 3 * time.Second},
		{"RetryDelay", cfg.RetryDelay, 15 * time.Minute},
		{"DefaultMaxAttempts", cfg.DefaultMaxAttempts, 0},
		{"Claim", cfg.Claim, true},
		{"ClaimTTL", cfg.ClaimTTL, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("DefaultConfig().%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDaemonConfig(t *testing.T) {
	cfg := DaemonConfig()
	if cfg.Timeout != 295*time.Second {
		t.Errorf("DaemonConfig().Timeout = %v, want 295s", cfg.Timeout)
	}
	if cfg.EmailDelay != 300*time.Millisecond {
		t.Errorf("DaemonConfig().EmailDelay = %v, want 300ms", cfg.EmailDelay)
	}
	if cfg.CheckIterationDelay != 2*time.Second {
		t.Errorf("DaemonConfig().CheckIterationDelay = %v, want 2s", cfg.CheckIterationDelay)
	}
	if cfg.RetryDelay != 15*time.Minute {
		t.Errorf("DaemonConfig().RetryDelay = %v, want 15m", cfg.RetryDelay)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{EmailDelay: -time.Second}.withDefaults()

	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
	if cfg.EmailDelay != 0 {
		t.Errorf("EmailDelay = %v, want 0", cfg.EmailDelay)
	}
	if cfg.SendTimeout != 60*time.Second {
		t.Errorf("SendTimeout = %v, want 60s", cfg.SendTimeout)
	}
	if cfg.Claim {
		t.Error("Claim = true, want false when left unset")
	}
}
