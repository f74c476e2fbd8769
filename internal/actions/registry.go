package actions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ReservedDomain is the kind domain owned by the engine itself. External
// callers cannot register handlers under it or any of its subdomains; the
// built-in selftest handlers live at test.actiond.io.
const ReservedDomain = "actiond.io"

// Registration describes one registered action kind.
type Registration struct {
	Kind        string
	Description string
	Handler     Handler

	argsSchema *jsonschema.Schema
}

// RegisterOption customizes a registration.
type RegisterOption func(*Registration) error

// WithArgsSchema attaches a JSON Schema that submitted args must satisfy.
// Validation happens at submission time so malformed requests are rejected
// before a record is ever persisted.
func WithArgsSchema(schemaJSON json.RawMessage) RegisterOption {
	return func(reg *Registration) error {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
		if err != nil {
			return fmt.Errorf("unmarshal args schema for %s: %w", reg.Kind, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("args.json", doc); err != nil {
			return fmt.Errorf("add args schema resource for %s: %w", reg.Kind, err)
		}
		schema, err := c.Compile("args.json")
		if err != nil {
			return fmt.Errorf("compile args schema for %s: %w", reg.Kind, err)
		}
		reg.argsSchema = schema
		return nil
	}
}

// Registry maps action kinds to their handlers. Registration happens during
// startup; lookups are concurrent-safe for the lifetime of the process.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewRegistry returns an empty registry with the built-in selftest handlers
// pre-registered under test.actiond.io.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Registration)}
	registerSelftest(r)
	return r
}

// Register adds a handler for the given kind. The kind must be of the form
// "{domain}/{name}" and must not use the engine's reserved domain. Kinds are
// registered at most once; a duplicate is a programming error.
func (r *Registry) Register(kind, description string, handler Handler, opts ...RegisterOption) error {
	domain, _, err := SplitKind(kind)
	if err != nil {
		return err
	}
	if reservedDomain(domain) {
		return fmt.Errorf("action kind %q uses reserved domain %s", kind, ReservedDomain)
	}
	return r.register(kind, description, handler, opts...)
}

// MustRegister is Register for startup wiring: it panics on error.
func (r *Registry) MustRegister(kind, description string, handler Handler, opts ...RegisterOption) {
	if err := r.Register(kind, description, handler, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) register(kind, description string, handler Handler, opts ...RegisterOption) error {
	if handler == nil {
		return fmt.Errorf("action kind %q registered without a handler", kind)
	}
	reg := Registration{Kind: kind, Description: description, Handler: handler}
	for _, opt := range opts {
		if err := opt(&reg); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("action kind %q already registered", kind)
	}
	r.handlers[kind] = reg
	return nil
}

// Lookup returns the registration for a kind.
func (r *Registry) Lookup(kind string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[kind]
	return reg, ok
}

// Handler returns the handler for a kind, or an UnknownKindError.
func (r *Registry) Handler(kind string) (Handler, error) {
	reg, ok := r.Lookup(kind)
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return reg.Handler, nil
}

// ValidateArgs checks submitted args against the kind's schema, if one was
// registered. Kinds without a schema accept any JSON object.
func (r *Registry) ValidateArgs(kind string, args json.RawMessage) error {
	reg, ok := r.Lookup(kind)
	if !ok {
		return &UnknownKindError{Kind: kind}
	}
	if reg.argsSchema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("args for %s are not valid JSON: %w", kind, err)
	}
	if err := reg.argsSchema.Validate(parsed); err != nil {
		return fmt.Errorf("args for %s rejected by schema: %w", kind, err)
	}
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// SplitKind parses a "{domain}/{name}" action kind.
func SplitKind(kind string) (domain, name string, err error) {
	domain, name, found := strings.Cut(kind, "/")
	if !found || domain == "" || name == "" {
		return "", "", fmt.Errorf("action kind %q is not of the form domain/name", kind)
	}
	return domain, name, nil
}

func reservedDomain(domain string) bool {
	return domain == ReservedDomain || strings.HasSuffix(domain, "."+ReservedDomain)
}
