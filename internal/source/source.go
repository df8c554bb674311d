// Package source provides the record sources of the detection pipeline: plain
// or compressed access-log files and Elasticsearch indices.
//
// A source is opened into a one-pass Iterator. Reading the data again requires
// opening the source again.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
)

// Type identifies the kind of record source.
type Type string

// Supported source types.
const (
	TypeFile          Type = "file"
	TypeElasticsearch Type = "elasticsearch"
)

// typeAliases maps alternative selector spellings to a source type.
var typeAliases = map[string]Type{
	"indexed_store": TypeElasticsearch,
	"es":            TypeElasticsearch,
}

// Iterator yields raw records one at a time.
type Iterator interface {
	// Next advances to the next raw record. It returns false at the end of
	// the data or on error; check Err afterwards.
	Next(ctx context.Context) bool

	// Raw returns the current raw record.
	Raw() accesslog.Raw

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Close releases the underlying file or remote cursor.
	Close() error
}

// Source opens iterators over one configured origin of access-log data.
type Source interface {
	// Open starts a new pass over the data. Failures match
	// internalerrors.ErrSourceUnavailable.
	Open(ctx context.Context) (Iterator, error)

	// Type returns the source type.
	Type() Type

	// Describe returns a human-readable, credential-free identifier.
	Describe() string
}

// Descriptor selects and configures a source.
type Descriptor struct {
	Type Type
	// Identifier is the file path in file mode and the index name in
	// Elasticsearch mode.
	Identifier string

	// Elasticsearch settings
	Endpoint        string
	Username        string
	Password        string
	BatchSize       int
	ScrollKeepAlive time.Duration
	Retry           retry.Policy
}

// Factory creates a source from a descriptor.
type Factory func(desc Descriptor) (Source, error)

// Registry maps source types to factories.
// It provides thread-safe access.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Type]Factory),
	}
}

// DefaultRegistry returns a registry with the file and Elasticsearch sources.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(TypeFile, func(desc Descriptor) (Source, error) {
		return NewFileSource(desc.Identifier), nil
	})
	_ = r.Register(TypeElasticsearch, func(desc Descriptor) (Source, error) {
		return NewSearchSource(SearchConfig{
			Endpoint:        desc.Endpoint,
			Index:           desc.Identifier,
			Username:        desc.Username,
			Password:        desc.Password,
			BatchSize:       desc.BatchSize,
			ScrollKeepAlive: desc.ScrollKeepAlive,
			Retry:           desc.Retry,
		})
	})
	return r
}

// Register adds a factory. An existing factory for the same type is replaced.
func (r *Registry) Register(t Type, factory Factory) error {
	if t == "" {
		return fmt.Errorf("source type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("source factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[t] = factory
	return nil
}

// New creates the source selected by desc.
func (r *Registry) New(desc Descriptor) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[desc.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (valid types: %v)", internalerrors.ErrUnsupportedSourceType, desc.Type, r.List())
	}
	return factory(desc)
}

// Has checks if a source type is registered.
func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[t]
	return ok
}

// List returns the registered source types in sorted order.
func (r *Registry) List() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidTypes returns the accepted source type selectors, aliases included.
func ValidTypes() []string {
	valid := []string{string(TypeFile), string(TypeElasticsearch)}
	for alias := range typeAliases {
		valid = append(valid, alias)
	}
	sort.Strings(valid)
	return valid
}

// ParseType converts a selector to a Type. Unknown selectors return an error
// matching internalerrors.ErrUnsupportedSourceType.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFile, TypeElasticsearch:
		return Type(s), nil
	}
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q (valid types: %v)", internalerrors.ErrUnsupportedSourceType, s, ValidTypes())
}

// unavailable wraps err as ErrSourceUnavailable with the source description.
func unavailable(desc string, err error) error {
	return fmt.Errorf("%w: %s: %w", internalerrors.ErrSourceUnavailable, desc, internalerrors.SanitizeError(err))
}
