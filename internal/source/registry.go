package source

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Config selects and configures one source implementation.
type Config struct {
	Name    string
	Type    string
	Options map[string]string
	// Fingerprint parameterizes sources that derive leaf identities from
	// content. The zero value selects identity.DefaultFingerprintOptions.
	Fingerprint identity.FingerprintOptions
}

// Option returns the option named key, or def.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Require returns the option named key, failing when it is unset.
func (c Config) Require(key string) (string, error) {
	v := c.Option(key, "")
	if v == "" {
		return "", fmt.Errorf("source %s: %w", c.Name, errors.MissingFieldError{Field: key})
	}
	return v, nil
}

// Factory builds a tree source from its configuration.
type Factory func(cfg Config) (Source, error)

// DatedFactory builds a date-partitioned source from its configuration.
type DatedFactory func(cfg Config) (DatedSource, error)

// Registry maps type tags to factories. Tags match exactly; there is no
// fallback for unknown tags.
type Registry struct {
	tree  map[string]Factory
	dated map[string]DatedFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tree: map[string]Factory{}, dated: map[string]DatedFactory{}}
}

// DefaultRegistry returns a registry holding the built-in sources.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("local", newLocal)
	r.Register("s3", newS3)
	r.RegisterDated("local-daily", newLocalDaily)
	r.RegisterDated("s3-daily", newS3Daily)
	return r
}

// Register adds a tree source factory under tag.
func (r *Registry) Register(tag string, f Factory) {
	delete(r.dated, tag)
	r.tree[tag] = f
}

// RegisterDated adds a dated source factory under tag.
func (r *Registry) RegisterDated(tag string, f DatedFactory) {
	delete(r.tree, tag)
	r.dated[tag] = f
}

// Tags returns the registered tags in order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.tree)+len(r.dated))
	for t := range r.tree {
		tags = append(tags, t)
	}
	for t := range r.dated {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// IsDated reports whether tag names a dated source.
func (r *Registry) IsDated(tag string) bool {
	_, ok := r.dated[tag]
	return ok
}

// Resolve builds the tree source configured by cfg.
func (r *Registry) Resolve(cfg Config) (Source, error) {
	if err := r.known(cfg); err != nil {
		return nil, err
	}
	f, ok := r.tree[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("source %s: type %q is not a tree source: %w", cfg.Name, cfg.Type, errors.ErrInvalidArgument)
	}
	return f(cfg)
}

// ResolveDated builds the date-partitioned source configured by cfg.
func (r *Registry) ResolveDated(cfg Config) (DatedSource, error) {
	if err := r.known(cfg); err != nil {
		return nil, err
	}
	f, ok := r.dated[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("source %s: type %q is not a dated source: %w", cfg.Name, cfg.Type, errors.ErrInvalidArgument)
	}
	return f(cfg)
}

func (r *Registry) known(cfg Config) error {
	if cfg.Type == "" {
		return fmt.Errorf("source %s: %w", cfg.Name, errors.MissingFieldError{Field: "type"})
	}
	_, tree := r.tree[cfg.Type]
	_, dated := r.dated[cfg.Type]
	if !tree && !dated {
		return fmt.Errorf("source %s: unknown type %q (known: %s): %w",
			cfg.Name, cfg.Type, strings.Join(r.Tags(), ", "), errors.ErrInvalidArgument)
	}
	return nil
}
