package providers

import (
	"fmt"
	"sort"
	"time"
)

// Factory builds a classifier from its base URL and per-attempt timeout.
type Factory func(baseURL string, timeout time.Duration, userAgent string) Classifier

// Registry maps upstream names to classifier factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in classifiers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("groq", func(baseURL string, timeout time.Duration, ua string) Classifier {
		return NewGroq(baseURL, WithTimeout(timeout), WithUserAgent(ua))
	})
	r.Register("mock", func(string, time.Duration, string) Classifier {
		return NewMock(LabelApproved)
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build constructs the classifier registered under name.
func (r *Registry) Build(name, baseURL string, timeout time.Duration, userAgent string) (Classifier, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown upstream %q (known: %v)", name, r.List())
	}
	return f(baseURL, timeout, userAgent), nil
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
