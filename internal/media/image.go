// Package media turns uploaded image bytes into the data URLs stored on messages.
package media

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/gabriel-vasile/mimetype"
)

// EncodeImage reads at most maxBytes from r, checks the content is an image
// and returns it as a data: URL.
func EncodeImage(r io.Reader, maxBytes int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, "could not read image", err)
	}
	if int64(len(data)) > maxBytes {
		return "", apperr.New(apperr.CodePayloadTooLarge, fmt.Sprintf("image exceeds %d bytes", maxBytes))
	}
	if len(data) == 0 {
		return "", apperr.New(apperr.CodeValidation, "image is empty")
	}

	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return "", apperr.New(apperr.CodeValidation, "only image files are allowed")
	}
	// drop parameters such as "; charset=utf-8" that svg detection adds
	mediaType, _, _ := strings.Cut(mime.String(), ";")
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ValidateDataURL checks that s is a base64 data URL whose payload really is
// an image of the declared type.
func ValidateDataURL(s string) error {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return apperr.New(apperr.CodeValidation, "image must be a data URL")
	}
	declared, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || !strings.HasPrefix(declared, "image/") {
		return apperr.New(apperr.CodeValidation, "image must be a base64 image data URL")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "image payload is not valid base64", err)
	}
	if len(data) == 0 {
		return apperr.New(apperr.CodeValidation, "image is empty")
	}
	detected, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	if detected != declared {
		return apperr.New(apperr.CodeValidation, fmt.Sprintf("image declared as %s but contains %s", declared, detected))
	}
	return nil
}
