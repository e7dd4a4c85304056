package node

import (
	"testing"
	"time"
)

func TestDefaultRetryWorkerConfig(t *testing.T) {
	cfg := DefaultRetryWorkerConfig()

	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, 5*time.Second)
	}
	if cfg.CleanupInterval != 1*time.Hour {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, 1*time.Hour)
	}
	if cfg.RetentionPeriod != 7*24*time.Hour {
		t.Errorf("RetentionPeriod = %v, want %v", cfg.RetentionPeriod, 7*24*time.Hour)
	}
}

func TestRetryWorkerConfigSane(t *testing.T) {
	cfg := DefaultRetryWorkerConfig()

	if cfg.PollInterval <= 0 {
		t.Error("PollInterval must be positive")
	}
	if cfg.CleanupInterval >= cfg.RetentionPeriod {
		t.Errorf("CleanupInterval %v must be shorter than RetentionPeriod %v",
			cfg.CleanupInterval, cfg.RetentionPeriod)
	}
}
