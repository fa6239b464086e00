// Package providers defines the Classifier interface and the upstream
// adapters that implement it.
//
// A Classifier sends one image to an upstream vision model with a specific
// credential and processing mode and returns a moderation label. Any error
// (non-2xx status, transport failure, timeout) is a failed attempt; the
// gateway decides whether to try the next credential or mode.
package providers

import (
	"context"
	"errors"
	"strings"
)

// Label is the moderation verdict returned by the upstream model.
type Label string

const (
	LabelApproved        Label = "APPROVED"
	LabelRejectReligious Label = "REJECT_RELIGIOUS"
	LabelRejectNSFW      Label = "REJECT_NSFW"
	LabelRejectInvalid   Label = "REJECT_INVALID"
)

var labelMessages = map[Label]string{
	LabelRejectReligious: "Religious symbols or imagery detected. Please upload a simple personal photo without religious elements.",
	LabelRejectNSFW:      "Inappropriate or NSFW content detected. Please upload an appropriate photo.",
	LabelRejectInvalid:   "Photo does not meet requirements. Please upload a clear, front-facing selfie with only your face visible.",
	LabelApproved:        "Photo validated successfully!",
}

const unknownLabelMessage = "Image validation failed. Please try again."

// Message returns the user-facing text for l.
func (l Label) Message() string {
	if m, ok := labelMessages[l]; ok {
		return m
	}
	return unknownLabelMessage
}

// ParseLabel normalises raw model output: trimmed, upper-cased, dots removed.
func ParseLabel(raw string) Label {
	return Label(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), ".", ""))
}

// ErrEmptyResponse is returned when the upstream answered without choices.
var ErrEmptyResponse = errors.New("providers: upstream returned no choices")

// Request is one upstream attempt.
type Request struct {
	APIKey   string
	Model    string
	ImageURL string
}

// Usage reports token accounting returned by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Classification is the outcome of a successful upstream call.
type Classification struct {
	Valid   bool   `json:"valid"`
	Label   Label  `json:"label"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// NewClassification builds the result for label. Rejections carry the same
// text as reason and message; approvals carry only a message.
func NewClassification(label Label) *Classification {
	c := &Classification{
		Valid:   label == LabelApproved,
		Label:   label,
		Message: label.Message(),
	}
	if !c.Valid {
		c.Reason = c.Message
	}
	return c
}

// Classifier is implemented by every upstream adapter.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, req Request) (*Classification, error)
}
