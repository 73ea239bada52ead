package identity

import (
	"strings"

	"github.com/rpattn/recon/internal/domain"
)

// Normalizer rewrites a key value into its canonical textual form.
type Normalizer func(string) string

// ParseNormalizer builds a normalizer from its metadata spelling:
// trim, lower, upper, ltrim_zeros, strip_prefix:<p> or strip_suffix:<s>.
func ParseNormalizer(spec string) (Normalizer, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch strings.ToLower(name) {
	case "trim":
		return strings.TrimSpace, nil
	case "lower":
		return strings.ToLower, nil
	case "upper":
		return strings.ToUpper, nil
	case "ltrim_zeros":
		return func(s string) string {
			trimmed := strings.TrimLeft(s, "0")
			if trimmed == "" && s != "" {
				return "0"
			}
			return trimmed
		}, nil
	case "strip_prefix":
		if arg == "" {
			return nil, domain.ErrValidation("normalizer %q requires a prefix", spec)
		}
		return func(s string) string { return strings.TrimPrefix(s, arg) }, nil
	case "strip_suffix":
		if arg == "" {
			return nil, domain.ErrValidation("normalizer %q requires a suffix", spec)
		}
		return func(s string) string { return strings.TrimSuffix(s, arg) }, nil
	default:
		return nil, domain.ErrValidation("unknown key normalizer %q", spec)
	}
}

// Chain parses normalizers and applies them in declaration order.
func Chain(specs []string) (Normalizer, error) {
	fns := make([]Normalizer, 0, len(specs))
	for _, spec := range specs {
		fn, err := ParseNormalizer(spec)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	return func(s string) string {
		for _, fn := range fns {
			s = fn(s)
		}
		return s
	}, nil
}
