// Package policyengine implements the versioned security policy store and
// its rollback mechanics (spec C3). It is distinct from internal/sessionpolicy,
// which enforces per-session byte/token ladders rather than snapshotting a
// security policy document.
package policyengine

import "time"

// EncryptionPolicy mirrors the original security.encryption policy block.
type EncryptionPolicy struct {
	Algorithm       string `yaml:"algorithm" json:"algorithm"`
	KeySize         int    `yaml:"key_size" json:"key_size"`
	PBKDF2Iterations int   `yaml:"pbkdf2_iterations" json:"pbkdf2_iterations"`
}

// TLSPolicy mirrors the original security.tls policy block.
type TLSPolicy struct {
	Enforce      bool     `yaml:"enforce" json:"enforce"`
	MinVersion   string   `yaml:"min_version" json:"min_version"`
	CipherSuites []string `yaml:"cipher_suites" json:"cipher_suites"`
}

// InputValidationPolicy mirrors the original security.input_validation block.
type InputValidationPolicy struct {
	Enabled               bool  `yaml:"enabled" json:"enabled"`
	MaxInputLength        int64 `yaml:"max_input_length" json:"max_input_length"`
	SQLInjectionProtection bool `yaml:"sql_injection_protection" json:"sql_injection_protection"`
	XSSProtection         bool  `yaml:"xss_protection" json:"xss_protection"`
}

// RateLimitingPolicy mirrors the original security.rate_limiting block.
type RateLimitingPolicy struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize       int  `yaml:"burst_size" json:"burst_size"`
}

// SecurityPolicyConfig is the security sub-policy.
type SecurityPolicyConfig struct {
	Enabled         bool                   `yaml:"enabled" json:"enabled"`
	Encryption      EncryptionPolicy       `yaml:"encryption" json:"encryption"`
	TLS             TLSPolicy              `yaml:"tls" json:"tls"`
	InputValidation InputValidationPolicy  `yaml:"input_validation" json:"input_validation"`
	RateLimiting    RateLimitingPolicy     `yaml:"rate_limiting" json:"rate_limiting"`
}

// MetricsPolicy mirrors the original monitoring.metrics block.
type MetricsPolicy struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	BufferSize   int     `yaml:"buffer_size" json:"buffer_size"`
}

// MonitoringPolicyConfig is the monitoring sub-policy.
type MonitoringPolicyConfig struct {
	IntervalSeconds int           `yaml:"interval_seconds" json:"interval_seconds"`
	AlertsEnabled   bool          `yaml:"alerts_enabled" json:"alerts_enabled"`
	LogLevel        string        `yaml:"log_level" json:"log_level"`
	Metrics         MetricsPolicy `yaml:"metrics" json:"metrics"`
}

// AuthenticationPolicyConfig is the authentication sub-policy.
type AuthenticationPolicyConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	Method               string `yaml:"method" json:"method"`
	SessionTimeoutSeconds int   `yaml:"session_timeout_seconds" json:"session_timeout_seconds"`
	RequireMFA           bool   `yaml:"require_mfa" json:"require_mfa"`
}

// PolicyConfig is the full versioned policy document owned by C3; it is
// the entity snapshotted and restored by the Store.
type PolicyConfig struct {
	ID          string                     `yaml:"id" json:"id"`
	Name        string                     `yaml:"name" json:"name"`
	Version     string                     `yaml:"version" json:"version"`
	Description string                     `yaml:"description" json:"description"`
	CreatedAt   time.Time                  `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time                  `yaml:"updated_at" json:"updated_at"`
	Security    SecurityPolicyConfig       `yaml:"security" json:"security"`
	Monitoring  MonitoringPolicyConfig     `yaml:"monitoring" json:"monitoring"`
	Auth        AuthenticationPolicyConfig `yaml:"authentication" json:"authentication"`
	Custom      map[string]string          `yaml:"custom" json:"custom"`
}

// DefaultPolicyConfig returns the baseline policy matching the original's
// conservative defaults (PBKDF2 100k iterations, TLS 1.2 floor, 60 req/min).
func DefaultPolicyConfig() PolicyConfig {
	now := time.Now().UTC()
	return PolicyConfig{
		Version:     "1.0.0",
		Name:        "default",
		CreatedAt:   now,
		UpdatedAt:   now,
		Security: SecurityPolicyConfig{
			Enabled: true,
			Encryption: EncryptionPolicy{
				Algorithm:        "AES-256-GCM",
				KeySize:          256,
				PBKDF2Iterations: 100000,
			},
			TLS: TLSPolicy{
				Enforce:    true,
				MinVersion: "TLSv1.2",
			},
			InputValidation: InputValidationPolicy{
				Enabled:               true,
				MaxInputLength:        1 << 20,
				SQLInjectionProtection: true,
				XSSProtection:         true,
			},
			RateLimiting: RateLimitingPolicy{
				Enabled:           true,
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
		},
		Monitoring: MonitoringPolicyConfig{
			IntervalSeconds: 60,
			AlertsEnabled:   true,
			LogLevel:        "info",
			Metrics: MetricsPolicy{
				Enabled:      true,
				SamplingRate: 1.0,
				BufferSize:   1000,
			},
		},
		Auth: AuthenticationPolicyConfig{
			Enabled:               true,
			Method:                "basic",
			SessionTimeoutSeconds: 3600,
			RequireMFA:            false,
		},
		Custom: map[string]string{},
	}
}
