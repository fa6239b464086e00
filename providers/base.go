package providers

// Base holds the fields shared by HTTP-backed classifiers.
type Base struct {
	name    string
	baseURL string
}

// Name returns the classifier name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the upstream API root.
func (b *Base) BaseURL() string { return b.baseURL }
