// Package config provides configuration loading for verifyd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the verifyd daemon.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Ledger       LedgerConfig       `koanf:"ledger"`
	Skills       SkillsConfig       `koanf:"skills"`
	Verification VerificationConfig `koanf:"verification"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
}

// ServerConfig controls the operational HTTP surface (health, metrics, skill list).
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	Insecure       bool   `koanf:"insecure"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
}

// LedgerConfig controls the append-only event ledger.
type LedgerConfig struct {
	// Path is the SQLite database file. Empty disables persistence and
	// degrades ledger reads to "no results".
	Path string     `koanf:"path"`
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig controls the optional NATS event mirror.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Credentials   Secret `koanf:"credentials"`
}

// SkillsConfig carries per-skill tuning.
type SkillsConfig struct {
	// Timeouts maps skill id to its execution budget. Skills not listed
	// use DefaultSkillTimeout.
	Timeouts map[string]Duration `koanf:"timeouts"`

	MemoryFirst   MemoryFirstConfig   `koanf:"memory_first"`
	RLS           RLSConfig           `koanf:"rls"`
	Services      ServicesConfig      `koanf:"services"`
	Accessibility AccessibilityConfig `koanf:"accessibility"`
}

// DefaultSkillTimeout applies to skills without a configured timeout.
const DefaultSkillTimeout = 30 * time.Second

// TimeoutFor returns the configured timeout for a skill id.
func (c SkillsConfig) TimeoutFor(skillID string) time.Duration {
	if d, ok := c.Timeouts[skillID]; ok && d.Duration() > 0 {
		return d.Duration()
	}
	return DefaultSkillTimeout
}

// MemoryFirstConfig tunes the memory-first dedup check.
//
// The thresholds order the recommendation ladder; only their relative
// ordering is load-bearing, the exact values are deployment policy.
type MemoryFirstConfig struct {
	SearchLimit        int     `koanf:"search_limit"`
	DuplicateThreshold float64 `koanf:"duplicate_threshold"`
	ConsultThreshold   float64 `koanf:"consult_threshold"`
}

// RLSConfig tunes the tenant-isolation policy validator.
type RLSConfig struct {
	// IsolationIdioms are substrings that mark a USING expression as
	// tenant-scoped. A policy whose USING clause contains none of them
	// is a critical violation.
	IsolationIdioms []string `koanf:"isolation_idioms"`

	// ExemptTables are tables allowed to carry open policies, e.g.
	// append-only audit tables.
	ExemptTables []string `koanf:"exempt_tables"`
}

// ServicesConfig tunes the service/duplicate analyzer.
type ServicesConfig struct {
	SourceDirs     []string `koanf:"source_dirs"`
	TopN           int      `koanf:"top_n"`
	HighRelevance  float64  `koanf:"high_relevance"`
	MediumRiskOver float64  `koanf:"medium_risk_over"`
	HighRiskOver   float64  `koanf:"high_risk_over"`
}

// AccessibilityConfig tunes the accessibility validator.
type AccessibilityConfig struct {
	MinSeverity string   `koanf:"min_severity"`
	Categories  []string `koanf:"categories"`
}

// VerificationConfig controls the stage gate.
type VerificationConfig struct {
	// TestCommand, when set, is run after the postflight chain. The
	// first element is the binary, the rest are arguments.
	TestCommand []string `koanf:"test_command"`
	TestTimeout Duration `koanf:"test_timeout"`
	WorkDir     string   `koanf:"work_dir"`
}

// OrchestratorConfig controls retry and escalation behavior.
type OrchestratorConfig struct {
	MaxAttempts     int      `koanf:"max_attempts"`
	RetryDelay      Duration `koanf:"retry_delay"`
	RetryMultiplier float64  `koanf:"retry_multiplier"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8480,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ServiceName:    "verifyd",
			ServiceVersion: "dev",
		},
		Ledger: LedgerConfig{
			NATS: NATSConfig{
				SubjectPrefix: "verify.events",
			},
		},
		Skills: SkillsConfig{
			MemoryFirst: MemoryFirstConfig{
				SearchLimit:        20,
				DuplicateThreshold: 0.9,
				ConsultThreshold:   0.7,
			},
			RLS: RLSConfig{
				IsolationIdioms: []string{
					"auth.uid()",
					"auth.jwt()",
					"tenant_id =",
					"org_id =",
					"user_id =",
					"current_setting('app.tenant_id'",
				},
				ExemptTables: []string{
					"audit_events",
					"oasis_events",
					"schema_migrations",
				},
			},
			Services: ServicesConfig{
				SourceDirs:     []string{"."},
				TopN:           5,
				HighRelevance:  0.7,
				MediumRiskOver: 0.7,
				HighRiskOver:   0.85,
			},
			Accessibility: AccessibilityConfig{
				MinSeverity: "info",
			},
		},
		Verification: VerificationConfig{
			TestTimeout: Duration(5 * time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:     3,
			RetryDelay:      Duration(2 * time.Second),
			RetryMultiplier: 2.0,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry enabled but endpoint is empty")
	}
	if c.Ledger.NATS.Enabled && c.Ledger.NATS.URL == "" {
		return fmt.Errorf("ledger NATS mirror enabled but url is empty")
	}
	mf := c.Skills.MemoryFirst
	if mf.SearchLimit <= 0 {
		return fmt.Errorf("memory_first search_limit must be > 0, got %d", mf.SearchLimit)
	}
	if mf.DuplicateThreshold < mf.ConsultThreshold {
		return fmt.Errorf("memory_first duplicate_threshold (%v) must be >= consult_threshold (%v)",
			mf.DuplicateThreshold, mf.ConsultThreshold)
	}
	if mf.DuplicateThreshold > 1 || mf.ConsultThreshold < 0 {
		return fmt.Errorf("memory_first thresholds must lie in [0,1]")
	}
	svc := c.Skills.Services
	if svc.TopN <= 0 {
		return fmt.Errorf("services top_n must be > 0, got %d", svc.TopN)
	}
	if svc.HighRiskOver < svc.MediumRiskOver {
		return fmt.Errorf("services high_risk_over must be >= medium_risk_over")
	}
	orc := c.Orchestrator
	if orc.MaxAttempts <= 0 {
		return fmt.Errorf("orchestrator max_attempts must be > 0, got %d", orc.MaxAttempts)
	}
	if orc.RetryMultiplier < 1 {
		return fmt.Errorf("orchestrator retry_multiplier must be >= 1, got %v", orc.RetryMultiplier)
	}
	if len(c.Verification.TestCommand) > 0 && c.Verification.TestTimeout.Duration() <= 0 {
		return fmt.Errorf("verification test_timeout must be > 0 when test_command is set")
	}
	return nil
}
