package providers

import (
	"context"
	"sync"
)

// MockClassifier returns scripted outcomes and records every call. Rules are
// matched by API key and model; an empty field matches anything.
type MockClassifier struct {
	mu    sync.Mutex
	rules []mockRule
	dflt  Label
	calls []Request
}

type mockRule struct {
	apiKey string
	model  string
	label  Label
	err    error
}

// NewMock creates a classifier that answers label unless a rule matches.
func NewMock(label Label) *MockClassifier {
	if label == "" {
		label = LabelApproved
	}
	return &MockClassifier{dflt: label}
}

// Name implements Classifier.
func (m *MockClassifier) Name() string { return "mock" }

// FailFor makes calls matching apiKey and model fail with err.
func (m *MockClassifier) FailFor(apiKey, model string, err error) *MockClassifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{apiKey: apiKey, model: model, err: err})
	return m
}

// AnswerFor makes calls matching apiKey and model return label.
func (m *MockClassifier) AnswerFor(apiKey, model string, label Label) *MockClassifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{apiKey: apiKey, model: model, label: label})
	return m
}

// Classify implements Classifier.
func (m *MockClassifier) Classify(ctx context.Context, req Request) (*Classification, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	rules := m.rules
	fallback := m.dflt
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, r := range rules {
		if (r.apiKey == "" || r.apiKey == req.APIKey) && (r.model == "" || r.model == req.Model) {
			if r.err != nil {
				return nil, r.err
			}
			c := NewClassification(r.label)
			c.Model = req.Model
			return c, nil
		}
	}
	c := NewClassification(fallback)
	c.Model = req.Model
	return c, nil
}

// Calls returns a copy of the recorded requests.
func (m *MockClassifier) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
