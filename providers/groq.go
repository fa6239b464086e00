package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultGroqBaseURL is Groq's OpenAI-compatible API root.
const DefaultGroqBaseURL = "https://api.groq.com/openai"

// DefaultTimeout bounds a single upstream attempt.
const DefaultTimeout = 30 * time.Second

// GroqClassifier classifies images with a Groq-hosted vision model. The API
// key is supplied per request so one client serves the whole credential
// pool.
type GroqClassifier struct {
	Base
	client  openai.Client
	timeout time.Duration
}

// GroqOption configures a GroqClassifier.
type GroqOption func(*groqSettings)

type groqSettings struct {
	timeout   time.Duration
	userAgent string
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) GroqOption {
	return func(s *groqSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) GroqOption {
	return func(s *groqSettings) { s.userAgent = ua }
}

// NewGroq creates a Groq classifier. baseURL defaults to DefaultGroqBaseURL.
func NewGroq(baseURL string, opts ...GroqOption) *GroqClassifier {
	if baseURL == "" {
		baseURL = DefaultGroqBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	s := groqSettings{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(baseURL + "/v1/"),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(s.timeout),
	}
	if s.userAgent != "" {
		reqOpts = append(reqOpts, option.WithHeader("User-Agent", s.userAgent))
	}
	return &GroqClassifier{
		Base:    Base{name: "groq", baseURL: baseURL},
		client:  openai.NewClient(reqOpts...),
		timeout: s.timeout,
	}
}

// Classify sends the image with req.APIKey against req.Model.
func (p *GroqClassifier) Classify(ctx context.Context, req Request) (*Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(UserPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: req.ImageURL}),
			}),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(5),
	}

	completion, err := p.client.Chat.Completions.New(ctx, params, option.WithAPIKey(req.APIKey))
	if err != nil {
		return nil, describeError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	c := NewClassification(ParseLabel(completion.Choices[0].Message.Content))
	c.Model = completion.Model
	c.Usage = &Usage{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
	}
	return c, nil
}

// describeError keeps the status code and drops the response body, which
// may echo the credential.
func describeError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("groq: upstream status %d", apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("groq: timeout: %w", err)
	}
	return fmt.Errorf("groq: %w", err)
}
