// Package broker holds the broker registry and the shared base every broker
// implementation embeds.
package broker

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

// DetectPackage names a runtime dependency and how to probe for it.
// Probe identifiers are "tz:<zone>" for timezone data or "bin:<name>"
// for an executable on PATH.
type DetectPackage struct {
	Package string // install target reported to the operator
	Probe   string
}

// Meta describes a broker implementation.
type Meta struct {
	Name          string
	Display       string
	DetectPackage *DetectPackage
}

// ProbeFunc reports whether a dependency identifier is satisfied.
type ProbeFunc func(identifier string) error

// Registry maps broker kinds to their metadata. It is populated once at
// startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	metas map[string]Meta
	names map[string]string // meta name -> kind
	probe ProbeFunc
}

type RegistryOption func(*Registry)

// WithProbe replaces the dependency probe.
func WithProbe(p ProbeFunc) RegistryOption {
	return func(r *Registry) { r.probe = p }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		metas: make(map[string]Meta),
		names: make(map[string]string),
		probe: DefaultProbe,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds kind. Re-registering a kind, or a second kind claiming the
// same meta name, fails with *common.DuplicateRegistrationError.
func (r *Registry) Register(kind string, meta Meta) error {
	if kind == "" || meta.Name == "" {
		return &common.ConfigError{Field: "broker", Reason: "kind and name are required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.metas[kind]; ok {
		return &common.DuplicateRegistrationError{Key: kind}
	}
	if _, ok := r.names[meta.Name]; ok {
		return &common.DuplicateRegistrationError{Key: meta.Name}
	}
	r.metas[kind] = meta
	r.names[meta.Name] = kind
	return nil
}

// Lookup returns the metadata for kind without constructing anything.
func (r *Registry) Lookup(kind string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.metas[kind]
	return meta, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.metas))
	for k := range r.metas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckDependency probes the runtime dependency declared by kind, if any.
func (r *Registry) CheckDependency(kind string) error {
	meta, ok := r.Lookup(kind)
	if !ok {
		return &common.ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown broker kind %q", kind)}
	}
	if meta.DetectPackage == nil || meta.DetectPackage.Probe == "" {
		return nil
	}
	if err := r.probe(meta.DetectPackage.Probe); err != nil {
		return &common.MissingDependencyError{Broker: meta.Name, Package: meta.DetectPackage.Package, Err: err}
	}
	return nil
}

// DefaultProbe understands "tz:" and "bin:" identifiers; a bare identifier
// is looked up as an executable.
func DefaultProbe(identifier string) error {
	scheme, name, found := strings.Cut(identifier, ":")
	if !found {
		scheme, name = "bin", identifier
	}
	switch scheme {
	case "tz":
		_, err := time.LoadLocation(name)
		return err
	case "bin":
		_, err := exec.LookPath(name)
		return err
	default:
		return errors.New("unknown probe scheme " + scheme)
	}
}
