package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/VenkatGGG/cbtr/internal/platform"
)

const (
	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 7982
	DefaultRetries    = 1

	settingsSchemaURL = "https://github.com/VenkatGGG/cbtr/settings.schema.json"
)

//go:embed settings.schema.json
var settingsSchema []byte

// StringList accepts either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(raw []byte) error {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s Server) BaseURL() string {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		host = DefaultServerHost
	}
	port := s.Port
	if port <= 0 {
		port = DefaultServerPort
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// Settings is the test configuration for one run. It is never mutated after
// loading.
type Settings struct {
	Browsers     map[string]map[platform.Kind][]platform.Browser    `json:"browsers"`
	Capabilities map[string]map[platform.Kind]platform.Capabilities `json:"capabilities"`
	TestFiles    StringList                                         `json:"test_file"`
	TestScripts  StringList                                         `json:"test_script"`
	Parallel     map[string]int                                     `json:"parallel"`
	Retries      *int                                               `json:"retries"`
	Server       Server                                             `json:"server"`
}

func (s Settings) RetryCount() int {
	if s.Retries == nil || *s.Retries < 0 {
		return DefaultRetries
	}
	return *s.Retries
}

// ParallelLimit falls back to a single concurrent test for platforms without
// an explicit limit.
func (s Settings) ParallelLimit(platformName string) int {
	if limit, ok := s.Parallel[platformName]; ok && limit > 0 {
		return limit
	}
	return 1
}

func (s Settings) BrowsersFor(platformName string, kind platform.Kind) []platform.Browser {
	return s.Browsers[platformName][kind]
}

// CapabilitiesFor returns nil when the platform has no capabilities for the
// kind.
func (s Settings) CapabilitiesFor(platformName string, kind platform.Kind) platform.Capabilities {
	byKind, ok := s.Capabilities[platformName]
	if !ok {
		return nil
	}
	caps, ok := byKind[kind]
	if !ok {
		return nil
	}
	if caps == nil {
		return platform.Capabilities{}
	}
	return caps
}

func (s Settings) PlatformNames() []string {
	names := make([]string, 0, len(s.Browsers))
	for name := range s.Browsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Settings) TestURL(testFile string) string {
	trimmed := strings.TrimSpace(testFile)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return s.Server.BaseURL() + "/" + strings.TrimPrefix(filepath.ToSlash(trimmed), "/")
}

// LoadSettings reads a JSON or YAML settings document and validates it
// against the embedded schema.
func LoadSettings(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Settings{}, errors.New("settings path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseSettingsYAML(raw)
	default:
		return ParseSettings(raw)
	}
}

func ParseSettingsYAML(raw []byte) (Settings, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Settings{}, fmt.Errorf("decode settings yaml: %w", err)
	}
	converted, err := json.Marshal(doc)
	if err != nil {
		return Settings{}, fmt.Errorf("convert settings yaml: %w", err)
	}
	return ParseSettings(converted)
}

func ParseSettings(raw []byte) (Settings, error) {
	schema, err := compileSettingsSchema()
	if err != nil {
		return Settings{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Settings{}, fmt.Errorf("decode settings json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Settings{}, fmt.Errorf("settings do not match schema: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if settings.Browsers == nil {
		settings.Browsers = make(map[string]map[platform.Kind][]platform.Browser)
	}
	return settings, nil
}

func compileSettingsSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(settingsSchemaURL, bytes.NewReader(settingsSchema)); err != nil {
		return nil, fmt.Errorf("add settings schema: %w", err)
	}
	schema, err := compiler.Compile(settingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}
	return schema, nil
}
