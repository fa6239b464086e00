package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseLabel(t *testing.T) {
	cases := map[string]Label{
		"APPROVED":          LabelApproved,
		" approved.\n":      LabelApproved,
		"reject_nsfw":       LabelRejectNSFW,
		"REJECT_RELIGIOUS.": LabelRejectReligious,
		"maybe":             Label("MAYBE"),
	}
	for in, want := range cases {
		if got := ParseLabel(in); got != want {
			t.Errorf("ParseLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnknownLabelIsInvalid(t *testing.T) {
	c := NewClassification(ParseLabel("maybe"))
	if c.Valid {
		t.Fatal("unknown label must be invalid")
	}
	if c.Message != unknownLabelMessage {
		t.Errorf("message = %q", c.Message)
	}
}

func TestEncodeImage(t *testing.T) {
	u, err := EncodeImage([]byte{0x89, 0x50}, "image/png")
	if err != nil {
		t.Fatalf("EncodeImage() error: %v", err)
	}
	if u != "data:image/png;base64,iVA=" {
		t.Errorf("data url = %q", u)
	}
	if err := ValidateDataURL(u); err != nil {
		t.Errorf("ValidateDataURL(%q) = %v", u, err)
	}

	if _, err := EncodeImage([]byte("x"), "text/plain"); !errors.Is(err, ErrNotImage) {
		t.Errorf("text/plain: err = %v, want ErrNotImage", err)
	}
	if _, err := EncodeImage(nil, "image/jpeg"); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("empty: err = %v, want ErrEmptyImage", err)
	}
	big := make([]byte, MaxImageBytes+1)
	if _, err := EncodeImage(big, "image/jpeg"); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("oversize: err = %v, want ErrImageTooLarge", err)
	}
}

func TestValidateDataURLRejectsNonImage(t *testing.T) {
	for _, u := range []string{"https://example.com/a.png", "data:text/plain;base64,AAAA", "data:image/png;base64,"} {
		if err := ValidateDataURL(u); err == nil {
			t.Errorf("ValidateDataURL(%q) = nil, want error", u)
		}
	}
}

func TestMockClassifierRules(t *testing.T) {
	boom := errors.New("boom")
	m := NewMock(LabelApproved).
		FailFor("k0", "primary", boom).
		AnswerFor("k1", "", LabelRejectInvalid)

	ctx := context.Background()
	if _, err := m.Classify(ctx, Request{APIKey: "k0", Model: "primary"}); !errors.Is(err, boom) {
		t.Errorf("k0/primary err = %v, want boom", err)
	}
	c, err := m.Classify(ctx, Request{APIKey: "k1", Model: "fallback"})
	if err != nil || c.Label != LabelRejectInvalid {
		t.Errorf("k1 = %+v, %v", c, err)
	}
	c, err = m.Classify(ctx, Request{APIKey: "k0", Model: "fallback"})
	if err != nil || !c.Valid {
		t.Errorf("k0/fallback = %+v, %v", c, err)
	}
	if len(m.Calls()) != 3 {
		t.Errorf("calls = %d, want 3", len(m.Calls()))
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := strings.Join(r.List(), ","); got != "groq,mock" {
		t.Errorf("List() = %s", got)
	}
	c, err := r.Build("groq", "", time.Second, "capgate/test")
	if err != nil {
		t.Fatalf("Build(groq) error: %v", err)
	}
	if c.Name() != "groq" {
		t.Errorf("Name() = %q", c.Name())
	}
	if _, err := r.Build("bedrock", "", 0, ""); err == nil {
		t.Error("expected unknown upstream error")
	}
}
