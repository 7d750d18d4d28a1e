package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"goa.design/baton/runtime/run"
)

type (
	// fileConfig is the on-disk shape of a tool catalog.
	fileConfig struct {
		Tools []toolConfig `yaml:"tools"`
	}

	toolConfig struct {
		Name              string         `yaml:"name"`
		Description       string         `yaml:"description"`
		RiskTier          string         `yaml:"risk_tier"`
		ApprovalExempt    bool           `yaml:"approval_exempt"`
		Timeout           string         `yaml:"timeout"`
		MaxCallsPerRun    int            `yaml:"max_calls_per_run"`
		MaxCallsPerMinute int            `yaml:"max_calls_per_minute"`
		Retry             *retryConfig   `yaml:"retry"`
		InputSchema       map[string]any `yaml:"input_schema"`
	}

	retryConfig struct {
		MaxRetries        int     `yaml:"max_retries"`
		InitialBackoff    string  `yaml:"initial_backoff"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		MaxBackoff        string  `yaml:"max_backoff"`
	}
)

// LoadFile reads tool definitions from a YAML catalog:
//
//	tools:
//	  - name: search
//	    description: Full-text search over the corpus
//	    risk_tier: low
//	    timeout: 10s
//	    max_calls_per_minute: 30
//	    retry:
//	      max_retries: 2
//	      initial_backoff: 200ms
//	      backoff_multiplier: 2.0
//	      max_backoff: 5s
//	    input_schema:
//	      type: object
//	      required: [q]
//
// Handlers are bound separately via Registry.Register.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse tool catalog %s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes a YAML tool catalog.
func Parse(data []byte) ([]Definition, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	defs := make([]Definition, 0, len(cfg.Tools))
	for _, tc := range cfg.Tools {
		def, err := tc.definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (tc *toolConfig) definition() (Definition, error) {
	if tc.Name == "" {
		return Definition{}, fmt.Errorf("tool name is required")
	}

	def := Definition{
		Name:              tc.Name,
		Description:       tc.Description,
		RiskTier:          run.RiskLow,
		ApprovalExempt:    tc.ApprovalExempt,
		MaxCallsPerRun:    tc.MaxCallsPerRun,
		MaxCallsPerMinute: tc.MaxCallsPerMinute,
	}

	if tc.RiskTier != "" {
		def.RiskTier = run.RiskTier(tc.RiskTier)
		if !def.RiskTier.Valid() {
			return Definition{}, fmt.Errorf("tool %s: unknown risk tier %q", tc.Name, tc.RiskTier)
		}
	}

	var err error
	if def.Timeout, err = parseDuration(tc.Name, "timeout", tc.Timeout); err != nil {
		return Definition{}, err
	}

	if tc.Retry != nil {
		def.Retry.MaxRetries = tc.Retry.MaxRetries
		def.Retry.BackoffMultiplier = tc.Retry.BackoffMultiplier
		if def.Retry.InitialBackoff, err = parseDuration(tc.Name, "retry.initial_backoff", tc.Retry.InitialBackoff); err != nil {
			return Definition{}, err
		}
		if def.Retry.MaxBackoff, err = parseDuration(tc.Name, "retry.max_backoff", tc.Retry.MaxBackoff); err != nil {
			return Definition{}, err
		}
	}

	if len(tc.InputSchema) > 0 {
		raw, err := json.Marshal(tc.InputSchema)
		if err != nil {
			return Definition{}, fmt.Errorf("tool %s: encode input schema: %w", tc.Name, err)
		}
		def.InputSchema = raw
	}
	return def, nil
}

func parseDuration(tool, field, val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("tool %s: invalid %s %q: %w", tool, field, val, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("tool %s: %s must not be negative", tool, field)
	}
	return d, nil
}
