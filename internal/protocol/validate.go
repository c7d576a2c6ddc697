package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload marks input rejected by strict decoding or validation.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

var keyPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// identkey: a normalized 32-character lowercase hex identity key.
	_ = v.RegisterValidation("identkey", func(fl validator.FieldLevel) bool {
		return keyPattern.MatchString(fl.Field().String())
	})
	return v
}

// NormalizeKey trims and lower-cases a client supplied identity key.
func NormalizeKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidKey reports whether key is a normalized 32-character hex identity key.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// DecodeStrict decodes exactly one JSON object into v, rejecting unknown
// fields and trailing data.
func DecodeStrict(data []byte, v interface{}) error {
	return DecodeStrictReader(bytes.NewReader(data), v)
}

// DecodeStrictReader is DecodeStrict over a stream.
func DecodeStrictReader(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return nil
}

// Validate runs the struct's validate tags.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %s", ErrInvalidPayload, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
