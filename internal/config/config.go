// Package config resolves the run configuration from CLI flags, the
// environment, an optional .env file, and an optional YAML settings file.
// Precedence: flags > environment > .env > settings file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/crmops/leadmerge/internal/closeio"
	"github.com/crmops/leadmerge/internal/journal"
	"github.com/crmops/leadmerge/internal/types"
)

// EnvAPIKey is the environment variable consulted when --api-key is not
// given. A .env file in the working directory is loaded first, so the key
// can live there instead of shell history.
const EnvAPIKey = "CLOSE_API_KEY"

// Options are the raw values collected from the CLI before resolution.
type Options struct {
	APIKey      string
	Field       string
	Verbose     bool
	Development bool
	Confirmed   bool
	JournalPath string
	NoJournal   bool
	// SettingsPath overrides the default settings file location
	// (~/.leadmerge.yaml). Mainly for tests.
	SettingsPath string
	// DisableDotenv skips .env loading. Mainly for tests.
	DisableDotenv bool
}

// Settings is the fully resolved run configuration, built once at process
// start and passed by reference into every component.
type Settings struct {
	APIKey            string
	Field             types.ComparatorField
	Verbose           bool
	Development       bool
	Confirmed         bool
	BaseURL           string
	JournalPath       string // empty means journaling disabled
	RequestsPerSecond float64
}

// settingsFile mirrors the optional ~/.leadmerge.yaml.
type settingsFile struct {
	API struct {
		BaseURL        string  `yaml:"base_url"`
		DevelopmentURL string  `yaml:"development_url"`
		RateLimit      float64 `yaml:"rate_limit"`
	} `yaml:"api"`
	Journal string `yaml:"journal"`
}

// Load resolves Options into Settings.
func Load(opts Options) (*Settings, error) {
	if !opts.DisableDotenv {
		// missing .env is fine; it is one of several key sources
		_ = godotenv.Load()
	}

	file, err := loadSettingsFile(opts.SettingsPath)
	if err != nil {
		return nil, err
	}

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(EnvAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: pass --api-key or set %s", EnvAPIKey)
	}

	fieldName := opts.Field
	if fieldName == "" {
		fieldName = string(types.FieldCompany)
	}
	field := types.ComparatorField(fieldName)
	if !field.IsValid() {
		return nil, fmt.Errorf("invalid comparator field %q (choose company, email or phone)", fieldName)
	}

	baseURL := file.API.BaseURL
	if opts.Development {
		baseURL = file.API.DevelopmentURL
		if baseURL == "" {
			baseURL = closeio.DevelopmentBaseURL
		}
	}

	journalPath := ""
	if !opts.NoJournal {
		journalPath = opts.JournalPath
		if journalPath == "" {
			journalPath = file.Journal
		}
		if journalPath == "" {
			journalPath = journal.DefaultPath()
		}
	}

	return &Settings{
		APIKey:            apiKey,
		Field:             field,
		Verbose:           opts.Verbose,
		Development:       opts.Development,
		Confirmed:         opts.Confirmed,
		BaseURL:           baseURL,
		JournalPath:       journalPath,
		RequestsPerSecond: file.API.RateLimit,
	}, nil
}

// loadSettingsFile reads the YAML settings file if it exists. A missing
// file yields zero-value settings, not an error.
func loadSettingsFile(path string) (*settingsFile, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &settingsFile{}, nil
		}
		path = filepath.Join(home, ".leadmerge.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &settingsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}

	var file settingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return &file, nil
}
