package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
)

const sampleSourcesJSON = `{
  "version": "1",
  "default_source": "web",
  "sources": {
    "web": {
      "name": "Public web servers",
      "type": "file",
      "path": "/var/log/nginx/access.log"
    },
    "cluster": {
      "type": "es",
      "endpoint": "https://es.internal:9200",
      "index": "nginx-*"
    }
  }
}`

func TestSourcesConfigValidate(t *testing.T) {
	tests := []struct {
		name          string
		config        SourcesConfig
		errorContains string
		sentinel      error
	}{
		{
			name: "valid",
			config: SourcesConfig{
				DefaultSource: "web",
				Sources: map[string]SourceProfile{
					"web":    {Type: "file", Path: "/var/log/access.log"},
					"search": {Type: "indexed_store", Index: "logs_index"},
				},
			},
		},
		{
			name:          "no sources",
			config:        SourcesConfig{},
			errorContains: "no sources defined",
		},
		{
			name: "unknown default",
			config: SourcesConfig{
				DefaultSource: "missing",
				Sources:       map[string]SourceProfile{"web": {Type: "file", Path: "a.log"}},
			},
			errorContains: "default_source 'missing' does not exist",
		},
		{
			name: "unsupported type",
			config: SourcesConfig{
				Sources: map[string]SourceProfile{"q": {Type: "kafka"}},
			},
			errorContains: "source 'q'",
			sentinel:      internalerrors.ErrUnsupportedSourceType,
		},
		{
			name: "file without path",
			config: SourcesConfig{
				Sources: map[string]SourceProfile{"web": {Type: "file"}},
			},
			errorContains: "path is required",
		},
		{
			name: "search without index",
			config: SourcesConfig{
				Sources: map[string]SourceProfile{"es": {Type: "elasticsearch"}},
			},
			errorContains: "index is required",
		},
		{
			name: "search endpoint without scheme",
			config: SourcesConfig{
				Sources: map[string]SourceProfile{"es": {Type: "elasticsearch", Index: "i", Endpoint: "es:9200"}},
			},
			errorContains: "endpoint must start with",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			checkError(t, err, tt.errorContains != "", tt.errorContains)
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("error %v should match %v", err, tt.sentinel)
			}
		})
	}
}

func TestGetSource(t *testing.T) {
	config := SourcesConfig{
		DefaultSource: "web",
		Sources: map[string]SourceProfile{
			"web":   {Name: "Web", Type: "file", Path: "/var/log/access.log"},
			"admin": {Type: "file", Path: "/var/log/admin.log"},
		},
	}

	p, err := config.GetSource("")
	if err != nil || p.Name != "Web" {
		t.Errorf("GetSource(\"\") = %+v, %v", p, err)
	}

	p, err = config.GetSource("admin")
	if err != nil || p.Path != "/var/log/admin.log" {
		t.Errorf("GetSource(admin) = %+v, %v", p, err)
	}

	_, err = config.GetSource("missing")
	checkError(t, err, true, "available: [admin web]")

	config.DefaultSource = ""
	_, err = config.GetSource("")
	checkError(t, err, true, "no default_source configured")
}

func TestListAndFormatSources(t *testing.T) {
	config := SourcesConfig{
		DefaultSource: "web",
		Sources: map[string]SourceProfile{
			"web":     {Name: "Web", Type: "file", Path: "/var/log/access.log"},
			"cluster": {Type: "elasticsearch", Endpoint: "https://es:9200", Index: "nginx-*"},
		},
	}

	ids := config.ListSources()
	if len(ids) != 2 || ids[0] != "cluster" || ids[1] != "web" {
		t.Fatalf("ListSources() = %v", ids)
	}

	out := config.FormatSourceList()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("FormatSourceList() lines = %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "  cluster") || !strings.Contains(lines[0], "https://es:9200/nginx-*") {
		t.Errorf("cluster line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "* web") || !strings.Contains(lines[1], "(Web)") {
		t.Errorf("web line = %q", lines[1])
	}
}

func TestLoadSourcesConfig(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.json")
	writeFile(t, valid, sampleSourcesJSON)
	broken := filepath.Join(dir, "broken.json")
	writeFile(t, broken, `{"sources": `)
	empty := filepath.Join(dir, "empty.json")
	writeFile(t, empty, `{"version": "1", "sources": {}}`)

	tests := []struct {
		name          string
		path          string
		wantConfig    bool
		errorContains string
	}{
		{name: "valid file", path: valid, wantConfig: true},
		{name: "explicit path missing", path: filepath.Join(dir, "nope.json"), errorContains: "sources config not found"},
		{name: "invalid JSON", path: broken, errorContains: "failed to parse"},
		{name: "fails validation", path: empty, errorContains: "invalid config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, found, err := LoadSourcesConfig(tt.path)
			checkError(t, err, tt.errorContains != "", tt.errorContains)
			if tt.wantConfig {
				if config == nil || found != tt.path {
					t.Fatalf("LoadSourcesConfig() = %v, %q", config, found)
				}
				if config.DefaultSource != "web" || len(config.Sources) != 2 {
					t.Errorf("config = %+v", config)
				}
			}
		})
	}
}

func TestLoadSourcesConfigSearchPaths(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	config, found, err := LoadSourcesConfig("")
	if err != nil || config != nil || found != "" {
		t.Fatalf("nothing to find: got %v, %q, %v", config, found, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "configs"), 0o750); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "configs", "sources.json"), sampleSourcesJSON)

	config, found, err = LoadSourcesConfig("")
	if err != nil {
		t.Fatalf("LoadSourcesConfig() error = %v", err)
	}
	if config == nil || found != "./configs/sources.json" {
		t.Errorf("found = %q", found)
	}
}
