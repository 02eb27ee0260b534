package policy

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Sensitivity classifies how restricted a piece of work is.
type Sensitivity string

const (
	SensitivityPublic    Sensitivity = "public"
	SensitivityInternal  Sensitivity = "internal"
	SensitivitySensitive Sensitivity = "sensitive"
	SensitivityCritical  Sensitivity = "critical"
)

// RoutingPolicy is a named strategy mapping sensitivity levels to the
// execution providers permitted to service them. Provider lists are ordered:
// recommendation walks them front to back.
type RoutingPolicy struct {
	Name            string                   `toml:"name"`
	GatewayProvider string                   `toml:"gateway_provider"`
	Allow           map[Sensitivity][]string `toml:"allow"`
}

// Permits reports whether the provider may service the sensitivity level.
func (p *RoutingPolicy) Permits(s Sensitivity, provider string) bool {
	for _, allowed := range p.Allow[s] {
		if allowed == provider {
			return true
		}
	}
	return false
}

// LocalProviderFirst prefers local execution for anything above public but
// still allows hosted providers for public work.
func LocalProviderFirst() *RoutingPolicy {
	return &RoutingPolicy{
		Name:            "local-provider-first",
		GatewayProvider: "studio-gateway",
		Allow: map[Sensitivity][]string{
			SensitivityPublic:    {"local-ollama", "openai", "anthropic", "studio-gateway"},
			SensitivityInternal:  {"local-ollama", "studio-gateway"},
			SensitivitySensitive: {"local-ollama", "studio-gateway"},
			SensitivityCritical:  {"local-ollama"},
		},
	}
}

// ComplianceLocalOnly never routes work off the local machine, regardless of
// sensitivity.
func ComplianceLocalOnly() *RoutingPolicy {
	return &RoutingPolicy{
		Name:            "compliance-local-only",
		GatewayProvider: "local-ollama",
		Allow: map[Sensitivity][]string{
			SensitivityPublic:    {"local-ollama"},
			SensitivityInternal:  {"local-ollama"},
			SensitivitySensitive: {"local-ollama"},
			SensitivityCritical:  {"local-ollama"},
		},
	}
}

// BuiltinPolicy returns a named built-in policy, or nil if unknown.
func BuiltinPolicy(name string) *RoutingPolicy {
	switch name {
	case "local-provider-first":
		return LocalProviderFirst()
	case "compliance-local-only":
		return ComplianceLocalOnly()
	default:
		return nil
	}
}

// LoadPolicyFile parses a routing policy from a TOML document.
func LoadPolicyFile(path string) (*RoutingPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p RoutingPolicy
	if err := toml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy file %s: name is required", path)
	}
	if len(p.Allow) == 0 {
		return nil, fmt.Errorf("policy file %s: allow table is required", path)
	}
	return &p, nil
}
