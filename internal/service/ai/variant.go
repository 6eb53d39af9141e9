package ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedModel is returned for a variant outside the configured set.
var ErrUnsupportedModel = errors.New("unsupported model")

// Variant names one of the model configurations the relay may route to.
type Variant string

const (
	// VariantFast is the cheaper, lower latency configuration.
	VariantFast Variant = "fast"
	// VariantNormal is the multimodal configuration; attachments always use it.
	VariantNormal Variant = "normal"
)

// Variants lists every variant in declaration order.
func Variants() []Variant {
	return []Variant{VariantFast, VariantNormal}
}

// ParseVariant maps a client-supplied model name onto a Variant.
func ParseVariant(raw string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(raw))); v {
	case VariantFast, VariantNormal:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, raw)
	}
}
