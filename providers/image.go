package providers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MaxImageBytes is the largest accepted upload.
const MaxImageBytes = 10 << 20

// Image validation errors.
var (
	ErrNotImage      = errors.New("file must be an image")
	ErrImageTooLarge = errors.New("image size must be less than 10MB")
	ErrEmptyImage    = errors.New("image is empty")
)

// EncodeImage validates an upload and returns it as a data URL.
func EncodeImage(data []byte, contentType string) (string, error) {
	mime := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if !strings.HasPrefix(mime, "image/") {
		return "", ErrNotImage
	}
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if len(data) > MaxImageBytes {
		return "", ErrImageTooLarge
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}

// ValidateDataURL checks an already encoded image.
func ValidateDataURL(u string) error {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return ErrNotImage
	}
	mime, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || !strings.HasPrefix(mime, "image/") {
		return ErrNotImage
	}
	if payload == "" {
		return ErrEmptyImage
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes+2 {
		return ErrImageTooLarge
	}
	return nil
}
