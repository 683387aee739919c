// Package schema validates inbound params against per-method JSON Schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"rpcsession/internal/domain"
	"rpcsession/internal/infra/config"
)

// Kind selects which inbound message type a schema applies to.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
)

// Registry holds compiled schemas keyed by method. Methods without a schema
// are accepted unchanged. It satisfies session.Validator.
type Registry struct {
	mu            sync.RWMutex
	requests      map[string]*jsonschema.Schema
	notifications map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:      make(map[string]*jsonschema.Schema),
		notifications: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles raw and binds it to method for the given kind,
// replacing any previous schema.
func (r *Registry) Register(kind Kind, method string, raw []byte) error {
	if method == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "method is required")
	}
	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput,
			fmt.Sprintf("compile schema for %q: %v", method, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case KindRequest:
		r.requests[method] = compiled
	case KindNotification:
		r.notifications[method] = compiled
	default:
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput,
			fmt.Sprintf("unknown schema kind %q", kind))
	}
	return nil
}

// RegisterRequest is shorthand for Register(KindRequest, ...).
func (r *Registry) RegisterRequest(method string, raw []byte) error {
	return r.Register(KindRequest, method, raw)
}

// RegisterNotification is shorthand for Register(KindNotification, ...).
func (r *Registry) RegisterNotification(method string, raw []byte) error {
	return r.Register(KindNotification, method, raw)
}

// RegisterFile reads a schema document from disk.
func (r *Registry) RegisterFile(kind Kind, method, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", path, err)
	}
	return r.Register(kind, method, raw)
}

// Load registers every schema listed in the configuration.
func (r *Registry) Load(schemas []config.SchemaConfig) error {
	for _, sc := range schemas {
		if err := r.RegisterFile(Kind(sc.Kind), sc.Method, sc.File); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered schemas across both kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requests) + len(r.notifications)
}

func (r *Registry) ValidateRequest(req *domain.Request) error {
	return r.validate(r.lookup(KindRequest, req.Method), req.Method, req.Params)
}

func (r *Registry) ValidateNotification(n *domain.Notification) error {
	return r.validate(r.lookup(KindNotification, n.Method), n.Method, n.Params)
}

func (r *Registry) lookup(kind Kind, method string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == KindRequest {
		return r.requests[method]
	}
	return r.notifications[method]
}

func (r *Registry) validate(s *jsonschema.Schema, method string, params json.RawMessage) error {
	if s == nil {
		return nil
	}
	instance, err := instanceOf(params)
	if err != nil {
		return domain.NewDomainError("schema.validate", domain.ErrInvalidInput,
			fmt.Sprintf("%s: decode params: %v", method, err))
	}
	result := s.Validate(instance)
	if !result.IsValid() {
		return domain.NewDomainError("schema.validate", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %s", method, result.Error()))
	}
	return nil
}

// instanceOf decodes params for validation. Absent params validate as an
// empty object and the reserved _meta field is never part of the contract.
func instanceOf(params json.RawMessage) (any, error) {
	if len(params) == 0 || string(params) == "null" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, err
	}
	if obj, ok := v.(map[string]any); ok {
		delete(obj, domain.MetaKey)
	}
	return v, nil
}
