package models

// ActorDefinition describes one scraping source offered by the external platform.
type ActorDefinition struct {
	ID               string              `json:"id" yaml:"id"`
	DisplayName      string              `json:"display_name" yaml:"display_name"`
	MaxResults       int                 `json:"max_results" yaml:"max_results"`
	EstimatedCostUSD float64             `json:"estimated_cost_usd" yaml:"estimated_cost_usd"`
	Profile          string              `json:"profile,omitempty" yaml:"profile"`
	CapField         string              `json:"cap_field,omitempty" yaml:"cap_field"`
	Input            map[string]any      `json:"input,omitempty" yaml:"input"`
	Fields           map[string][]string `json:"fields,omitempty" yaml:"fields"`
}

// ActorRunConfig is a per-actor user preference.
type ActorRunConfig struct {
	ActorID          string `json:"actor_id"`
	Enabled          bool   `json:"enabled"`
	CustomMaxResults int    `json:"custom_max_results"`
}
