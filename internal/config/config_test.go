package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"negative port", func(c *Config) { c.Server.Port = -1 }, true},
		{"zero attempts", func(c *Config) { c.Orchestrator.MaxAttempts = 0 }, true},
		{"multiplier below one", func(c *Config) { c.Orchestrator.RetryMultiplier = 0.5 }, true},
		{"thresholds inverted", func(c *Config) {
			c.Skills.MemoryFirst.DuplicateThreshold = 0.5
			c.Skills.MemoryFirst.ConsultThreshold = 0.8
		}, true},
		{"nats without url", func(c *Config) { c.Ledger.NATS.Enabled = true }, true},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}, true},
		{"test command without timeout", func(c *Config) {
			c.Verification.TestCommand = []string{"go", "test", "./..."}
			c.Verification.TestTimeout = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verifyd.yaml")
	yaml := `
server:
  port: 9999
orchestrator:
  max_attempts: 5
  retry_delay: 250ms
ledger:
  path: /tmp/ledger.db
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("VERIFYD_SERVER_PORT", "8123")
	t.Setenv("VERIFYD_ORCHESTRATOR_RETRY_MULTIPLIER", "3.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Env beats file.
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want 8123", cfg.Server.Port)
	}
	// File beats default.
	if cfg.Orchestrator.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Orchestrator.MaxAttempts)
	}
	if got := cfg.Orchestrator.RetryDelay.Duration(); got != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", got)
	}
	if cfg.Orchestrator.RetryMultiplier != 3.5 {
		t.Errorf("RetryMultiplier = %v, want 3.5", cfg.Orchestrator.RetryMultiplier)
	}
	if cfg.Ledger.Path != "/tmp/ledger.db" {
		t.Errorf("Ledger.Path = %q", cfg.Ledger.Path)
	}
	// Defaults survive for untouched sections.
	if cfg.Skills.MemoryFirst.DuplicateThreshold != 0.9 {
		t.Errorf("DuplicateThreshold = %v, want 0.9", cfg.Skills.MemoryFirst.DuplicateThreshold)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", cfg.Orchestrator.MaxAttempts)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"VERIFYD_SERVER_PORT", "server.port"},
		{"VERIFYD_ORCHESTRATOR_MAX_ATTEMPTS", "orchestrator.max_attempts"},
		{"VERIFYD_LEDGER_NATS_URL", "ledger.nats.url"},
		{"VERIFYD_SKILLS_MEMORY_FIRST_DUPLICATE_THRESHOLD", "skills.memory_first.duplicate_threshold"},
		{"VERIFYD_TELEMETRY_SERVICE_NAME", "telemetry.service_name"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q", s.String())
	}
	if s.Value() != "hunter2" {
		t.Errorf("Value() = %q", s.Value())
	}
	b, err := s.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"[REDACTED]"` {
		t.Errorf("MarshalJSON = %s", b)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected parse error for malformed duration")
	}
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Error("expected error for negative duration")
	}
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", d.Duration())
	}
}

func TestTimeoutFor(t *testing.T) {
	sc := SkillsConfig{Timeouts: map[string]Duration{
		"security-scan": Duration(10 * time.Second),
	}}
	if got := sc.TimeoutFor("security-scan"); got != 10*time.Second {
		t.Errorf("TimeoutFor(security-scan) = %v", got)
	}
	if got := sc.TimeoutFor("unknown"); got != DefaultSkillTimeout {
		t.Errorf("TimeoutFor(unknown) = %v, want default", got)
	}
}
