package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"job-ingestion-orchestrator/internal/models"
)

// Well-known actor ids on the platform.
const (
	LinkedInJobs   = "curious_coder/linkedin-jobs-scraper"
	GreenhouseJobs = "bytepulselabs/greenhouse-job-scraper"
	IndeedJobs     = "misceres/indeed-scraper"
)

// Catalog is the immutable registry of available actors.
type Catalog struct {
	actors []models.ActorDefinition
	byID   map[string]int
}

type fileFormat struct {
	Actors []models.ActorDefinition `yaml:"actors"`
}

// Default returns the built-in job board catalog.
func Default() *Catalog {
	c, err := New(defaultActors())
	if err != nil {
		panic(fmt.Sprintf("default catalog invalid: %v", err))
	}
	return c
}

func defaultActors() []models.ActorDefinition {
	return []models.ActorDefinition{
		{
			ID:               LinkedInJobs,
			DisplayName:      "LinkedIn Jobs",
			MaxResults:       5000,
			EstimatedCostUSD: 5.0,
			Profile:          "linkedin",
			CapField:         "maxItems",
			Input: map[string]any{
				"searchQuery": "software engineer",
				"location":    "United States",
				"datePosted":  "past-week",
			},
		},
		{
			ID:               GreenhouseJobs,
			DisplayName:      "Greenhouse Jobs",
			MaxResults:       2500,
			EstimatedCostUSD: 5.0,
			Profile:          "greenhouse",
			CapField:         "maxResults",
			Input: map[string]any{
				"startUrls": []any{},
			},
		},
		{
			ID:               IndeedJobs,
			DisplayName:      "Indeed Jobs",
			MaxResults:       1000,
			EstimatedCostUSD: 2.0,
			Profile:          "indeed",
			CapField:         "maxItems",
			Input: map[string]any{
				"position": "software engineer",
				"country":  "US",
			},
		},
	}
}

// New validates definitions and builds a catalog preserving their order.
func New(defs []models.ActorDefinition) (*Catalog, error) {
	c := &Catalog{
		actors: make([]models.ActorDefinition, 0, len(defs)),
		byID:   make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, errors.New("actor id is required")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate actor id %q", d.ID)
		}
		if d.MaxResults <= 0 {
			return nil, fmt.Errorf("actor %q: max_results must be positive", d.ID)
		}
		if d.EstimatedCostUSD < 0 {
			return nil, fmt.Errorf("actor %q: estimated_cost_usd must not be negative", d.ID)
		}
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		c.byID[d.ID] = len(c.actors)
		c.actors = append(c.actors, d)
	}
	return c, nil
}

// Load reads a YAML catalog file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Actors) == 0 {
		return nil, fmt.Errorf("catalog %s defines no actors", path)
	}
	return New(f.Actors)
}

// Actors returns the definitions in catalog order.
func (c *Catalog) Actors() []models.ActorDefinition {
	out := make([]models.ActorDefinition, len(c.actors))
	copy(out, c.actors)
	return out
}

// Lookup finds an actor by id.
func (c *Catalog) Lookup(id string) (models.ActorDefinition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return models.ActorDefinition{}, false
	}
	return c.actors[i], true
}

// EstimateCost scales the actor's cost at max results linearly to the requested cap.
func EstimateCost(def models.ActorDefinition, maxResults int) float64 {
	if def.MaxResults <= 0 {
		return 0
	}
	return def.EstimatedCostUSD / float64(def.MaxResults) * float64(maxResults)
}
