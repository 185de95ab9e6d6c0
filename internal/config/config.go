// Package config loads the YAML file describing what a studysync process
// syncs. The result is passed explicitly to constructors.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/internal/sink"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Config is the whole configuration file.
type Config struct {
	Ledger   string         `yaml:"ledger"`
	DataRoot string         `yaml:"data_root"`
	Project  string         `yaml:"project"`
	Layout   LayoutConfig   `yaml:"layout"`
	Identity IdentityConfig `yaml:"identity"`
	Retry    RetryConfig    `yaml:"retry"`
	Sites    SitesConfig    `yaml:"sites"`
	Sources  []SourceConfig `yaml:"sources"`
	Sinks    []SinkConfig   `yaml:"sinks"`
}

type LayoutConfig struct {
	Category   string `yaml:"category"`
	SiteSuffix string `yaml:"site_suffix"`
}

type IdentityConfig struct {
	// Algorithm is the full hash recorded in the ledger.
	Algorithm   string            `yaml:"algorithm"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
}

type FingerprintConfig struct {
	SampleBytes int64  `yaml:"sample_bytes"`
	Chunks      int    `yaml:"chunks"`
	Algorithm   string `yaml:"algorithm"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// Site is one site and the subjects enrolled there.
type Site struct {
	ID       string   `yaml:"id"`
	Subjects []string `yaml:"subjects"`
}

// SitesConfig accepts either:
//  1. mapping form (preferred):
//     sites:
//     YA: [YA01, YA02]
//     LA: {subjects: [LA01]}
//  2. list form:
//     sites:
//     - id: YA
//     subjects: [YA01, YA02]
type SitesConfig struct {
	Items []Site
}

func (s *SitesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]Site, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			id := strings.TrimSpace(k.Value)
			if id == "" {
				continue
			}
			site := Site{ID: id}
			switch v.Kind {
			case yaml.SequenceNode:
				if err := v.Decode(&site.Subjects); err != nil {
					return err
				}
			case yaml.MappingNode:
				var tmp struct {
					Subjects []string `yaml:"subjects"`
				}
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				site.Subjects = tmp.Subjects
			default:
				return fmt.Errorf("line %d: site %s: expected a list of subjects", v.Line, id)
			}
			items = append(items, site)
		}
		s.Items = items
		return nil
	case yaml.SequenceNode:
		return value.Decode(&s.Items)
	default:
		return fmt.Errorf("line %d: sites: expected a mapping or a list", value.Line)
	}
}

// Find returns the site with id.
func (s SitesConfig) Find(id string) (Site, bool) {
	for _, site := range s.Items {
		if site.ID == id {
			return site, true
		}
	}
	return Site{}, false
}

type MarkerConfig struct {
	Name           string `yaml:"name"`
	ScopeField     string `yaml:"scope_field"`
	TimestampField string `yaml:"timestamp_field"`
}

type SourceConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Modality string `yaml:"modality"`
	// Root is the remote directory holding one directory per subject.
	Root            string            `yaml:"root"`
	Include         []string          `yaml:"include"`
	CaseInsensitive bool              `yaml:"case_insensitive"`
	Marker          *MarkerConfig     `yaml:"marker"`
	StartDate       string            `yaml:"start_date"`
	Options         map[string]string `yaml:"options"`
}

// Source returns the registry configuration of s.
func (s SourceConfig) Source() source.Config {
	return source.Config{Name: s.Name, Type: s.Type, Options: s.Options}
}

// Start returns the parsed start date, or the zero time when unset.
func (s SourceConfig) Start() (time.Time, error) {
	if s.StartDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(source.DateLayout, s.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("source %s: start_date %q: %w", s.Name, s.StartDate, errors.ErrInvalidArgument)
	}
	return t, nil
}

// ModalityOrName returns the modality directory artifacts land in.
func (s SourceConfig) ModalityOrName() string {
	if s.Modality != "" {
		return s.Modality
	}
	return s.Name
}

type SinkConfig struct {
	ID      string            `yaml:"id"`
	Type    string            `yaml:"type"`
	Options map[string]string `yaml:"options"`
}

// Sink returns the registry configuration of s.
func (s SinkConfig) Sink() sink.Config {
	return sink.Config{ID: s.ID, Type: s.Type, Options: s.Options}
}

// Load reads the file at path, expanding ${VAR} references from the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration document.
func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(b)))))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Layout.Category == "" {
		c.Layout.Category = layout.DefaultCategory
	}
	if c.Identity.Algorithm == "" {
		c.Identity.Algorithm = string(identity.DefaultAlgorithm)
	}
	if c.Identity.Fingerprint.SampleBytes == 0 {
		c.Identity.Fingerprint.SampleBytes = identity.DefaultSampleBytes
	}
	if c.Identity.Fingerprint.Chunks == 0 {
		c.Identity.Fingerprint.Chunks = identity.DefaultChunks
	}
	if c.Identity.Fingerprint.Algorithm == "" {
		c.Identity.Fingerprint.Algorithm = string(identity.Blake3)
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = RetryConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			MaxElapsed:      2 * time.Minute,
			MaxAttempts:     4,
		}
	}
}

// Validate checks what can be checked without resolving type tags. Unknown
// tags are reported when sources and sinks are resolved.
func (c *Config) Validate() error {
	switch {
	case c.Project == "":
		return errors.MissingFieldError{Field: "project"}
	case c.Ledger == "":
		return errors.MissingFieldError{Field: "ledger"}
	case c.DataRoot == "":
		return errors.MissingFieldError{Field: "data_root"}
	}
	alg, err := identity.ParseAlgorithm(c.Identity.Algorithm)
	if err != nil {
		return fmt.Errorf("identity.algorithm: %w", err)
	}
	c.Identity.Algorithm = string(alg)
	if alg, err = identity.ParseAlgorithm(c.Identity.Fingerprint.Algorithm); err != nil {
		return fmt.Errorf("identity.fingerprint.algorithm: %w", err)
	}
	c.Identity.Fingerprint.Algorithm = string(alg)
	if fp := c.Identity.Fingerprint; fp.Chunks < 1 || fp.SampleBytes < int64(fp.Chunks) {
		return fmt.Errorf("identity.fingerprint: need chunks >= 1 and sample_bytes >= chunks: %w", errors.ErrInvalidArgument)
	}
	if c.Retry.MaxAttempts < 0 || (c.Retry.MaxAttempts == 0 && c.Retry.MaxElapsed == 0) {
		return fmt.Errorf("retry: set max_attempts or max_elapsed: %w", errors.ErrInvalidArgument)
	}

	sites := map[string]bool{}
	for _, s := range c.Sites.Items {
		if s.ID == "" {
			return fmt.Errorf("sites: %w", errors.MissingFieldError{Field: "id"})
		}
		if sites[s.ID] {
			return fmt.Errorf("duplicate site %q: %w", s.ID, errors.ErrInvalidArgument)
		}
		sites[s.ID] = true
	}

	names := map[string]bool{}
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: %w", i, errors.MissingFieldError{Field: "name"})
		}
		if s.Type == "" {
			return fmt.Errorf("source %s: %w", s.Name, errors.MissingFieldError{Field: "type"})
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate source %q: %w", s.Name, errors.ErrInvalidArgument)
		}
		names[s.Name] = true
		if _, err := s.Start(); err != nil {
			return err
		}
		if s.Marker != nil && s.Marker.Name == "" {
			return fmt.Errorf("source %s: marker: %w", s.Name, errors.MissingFieldError{Field: "name"})
		}
	}

	ids := map[string]bool{}
	for i, s := range c.Sinks {
		if s.ID == "" {
			return fmt.Errorf("sinks[%d]: %w", i, errors.MissingFieldError{Field: "id"})
		}
		if s.Type == "" {
			return fmt.Errorf("sink %s: %w", s.ID, errors.MissingFieldError{Field: "type"})
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate sink %q: %w", s.ID, errors.ErrInvalidArgument)
		}
		ids[s.ID] = true
	}
	return nil
}

// LocalLayout returns the local tree layout.
func (c *Config) LocalLayout() layout.Layout {
	return layout.Layout{Root: c.DataRoot, Category: c.Layout.Category, SiteSuffix: c.Layout.SiteSuffix}
}

// HashAlgorithm returns the full hash recorded in the ledger.
func (c *Config) HashAlgorithm() identity.Algorithm {
	return identity.Algorithm(c.Identity.Algorithm)
}

// FingerprintOptions returns the configured fingerprint parameters.
func (c *Config) FingerprintOptions() identity.FingerprintOptions {
	return identity.FingerprintOptions{
		SampleBytes: c.Identity.Fingerprint.SampleBytes,
		Chunks:      c.Identity.Fingerprint.Chunks,
		Algorithm:   identity.Algorithm(c.Identity.Fingerprint.Algorithm),
	}
}
