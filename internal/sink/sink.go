// Package sink defines the delivery capability the sync core consumes and
// the built-in implementations selected by type tag.
package sink

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// Destination describes where an upload landed.
type Destination struct {
	Bucket    string
	Key       string
	ETag      string
	VersionID string
	Size      int64
}

// Metadata renders d for the push ledger.
func (d Destination) Metadata() models.Metadata {
	m := models.Metadata{"key": d.Key, "size": d.Size}
	if d.Bucket != "" {
		m["bucket"] = d.Bucket
	}
	if d.ETag != "" {
		m["etag"] = d.ETag
	}
	if d.VersionID != "" {
		m["version_id"] = d.VersionID
	}
	return m
}

// Sink uploads named content.
type Sink interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64, metadata map[string]string) (Destination, error)
}

// Config selects and configures one sink implementation.
type Config struct {
	ID      string
	Type    string
	Options map[string]string
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
		return "", fmt.Errorf("sink %s: %w", c.ID, errors.MissingFieldError{Field: key})
	}
	return v, nil
}

// Factory builds a sink from its configuration.
type Factory func(cfg Config) (Sink, error)

// Registry maps type tags to factories. Tags match exactly.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry returns a registry holding the built-in sinks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("minio", newMinio)
	r.Register("local", newLocal)
	return r
}

// Register adds a factory under tag, replacing any previous one.
func (r *Registry) Register(tag string, f Factory) {
	r.factories[tag] = f
}

// Tags returns the registered tags in order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Resolve builds the sink configured by cfg.
func (r *Registry) Resolve(cfg Config) (Sink, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("sink %s: %w", cfg.ID, errors.MissingFieldError{Field: "type"})
	}
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("sink %s: unknown type %q (known: %s): %w",
			cfg.ID, cfg.Type, strings.Join(r.Tags(), ", "), errors.ErrInvalidArgument)
	}
	return f(cfg)
}
