package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/olegiv/accesslog-anomaly-go/internal/source"
)

// SourceProfile is one named record source in sources.json.
type SourceProfile struct {
	Name     string `json:"name"`     // Human-readable name for reports
	Type     string `json:"type"`     // "file" or "elasticsearch"
	Path     string `json:"path"`     // Access log path (file)
	Endpoint string `json:"endpoint"` // Cluster URL (elasticsearch, optional)
	Index    string `json:"index"`    // Index name (elasticsearch)
}

// SourcesConfig represents the sources.json file
type SourcesConfig struct {
	Version       string                   `json:"version"`
	DefaultSource string                   `json:"default_source"` // Used when -source is not given
	Sources       map[string]SourceProfile `json:"sources"`        // Profiles keyed by id
}

// Validate checks the configuration for errors
func (c *SourcesConfig) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("no sources defined in configuration")
	}

	if c.DefaultSource != "" {
		if _, exists := c.Sources[c.DefaultSource]; !exists {
			return fmt.Errorf("default_source '%s' does not exist in sources", c.DefaultSource)
		}
	}

	for _, id := range c.ListSources() {
		p := c.Sources[id]
		t, err := source.ParseType(p.Type)
		if err != nil {
			return fmt.Errorf("source '%s': %w", id, err)
		}
		switch t {
		case source.TypeFile:
			if p.Path == "" {
				return fmt.Errorf("source '%s': path is required for type %s", id, t)
			}
		case source.TypeElasticsearch:
			if p.Index == "" {
				return fmt.Errorf("source '%s': index is required for type %s", id, t)
			}
			if p.Endpoint != "" && !isHTTPURL(p.Endpoint) {
				return fmt.Errorf("source '%s': endpoint must start with 'http://' or 'https://'", id)
			}
		}
	}

	return nil
}

// GetSource returns a profile by ID, falling back to default_source if id is empty
func (c *SourcesConfig) GetSource(id string) (*SourceProfile, error) {
	if id == "" {
		if c.DefaultSource == "" {
			return nil, fmt.Errorf("no source ID specified and no default_source configured")
		}
		id = c.DefaultSource
	}

	p, exists := c.Sources[id]
	if !exists {
		return nil, fmt.Errorf("source '%s' not found (available: %v)", id, c.ListSources())
	}

	return &p, nil
}

// ListSources returns all profile IDs in sorted order
func (c *SourcesConfig) ListSources() []string {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FormatSourceList renders the profiles for -list-sources.
func (c *SourcesConfig) FormatSourceList() string {
	var sb strings.Builder
	for _, id := range c.ListSources() {
		p := c.Sources[id]
		marker := " "
		if id == c.DefaultSource {
			marker = "*"
		}
		target := p.Path
		if p.Index != "" {
			target = p.Index
			if p.Endpoint != "" {
				target = p.Endpoint + "/" + p.Index
			}
		}
		name := p.Name
		if name == "" {
			name = id
		}
		fmt.Fprintf(&sb, "%s %-16s %-14s %s (%s)\n", marker, id, p.Type, target, name)
	}
	return sb.String()
}

// sourcesSearchPaths lists where sources.json is looked for, in priority order.
func sourcesSearchPaths() []string {
	paths := []string{
		"./sources.json",
		"./configs/sources.json",
		"/opt/accesslog-anomaly/sources.json",
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", "accesslog-anomaly", "sources.json"))
	}
	return paths
}

// LoadSourcesConfig loads and validates sources.json.
// If configPath is empty, it searches the standard locations and returns
// nil, "", nil when none exists.
func LoadSourcesConfig(configPath string) (*SourcesConfig, string, error) {
	searchPaths := sourcesSearchPaths()
	if configPath != "" {
		searchPaths = []string{configPath}
	}

	for _, path := range searchPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
		}

		var config SourcesConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse %s: %w", path, err)
		}

		if err := config.Validate(); err != nil {
			return nil, "", fmt.Errorf("invalid config in %s: %w", path, err)
		}

		return &config, path, nil
	}

	if configPath != "" {
		return nil, "", fmt.Errorf("sources config not found: %s", configPath)
	}

	return nil, "", nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
