package tracker

import (
	"fmt"
	"strings"
	"unicode"
)

// Input limits.
const (
	MaxKeywordLength = 500
	MaxDomainLength  = 255
)

// ValidateSearch checks a single ranking request.
func ValidateSearch(keyword string, opts SearchOptions) error {
	if err := ValidateKeyword(keyword); err != nil {
		return err
	}
	domain := strings.TrimSpace(opts.Domain)
	if domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}
	if len(domain) > MaxDomainLength {
		return fmt.Errorf("%w: domain must be at most %d characters", ErrInvalidInput, MaxDomainLength)
	}
	if !isCountryCode(opts.Country) {
		return fmt.Errorf("%w: country must be a two-letter code", ErrInvalidInput)
	}
	switch opts.Device {
	case "", DeviceDesktop, DeviceMobile, DeviceTablet:
	default:
		return fmt.Errorf("%w: device must be desktop, mobile or tablet", ErrInvalidInput)
	}
	return nil
}

// ValidateKeyword checks keyword length after trimming.
func ValidateKeyword(keyword string) error {
	k := strings.TrimSpace(keyword)
	if k == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidInput)
	}
	if len([]rune(k)) > MaxKeywordLength {
		return fmt.Errorf("%w: keyword must be at most %d characters", ErrInvalidInput, MaxKeywordLength)
	}
	return nil
}

// NormalizeKeywords trims, drops empties and de-duplicates a keyword list,
// keeping first occurrences in order. max <= 0 disables the size check.
func NormalizeKeywords(keywords []string, maxKeywords int) ([]string, error) {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		if err := ValidateKeyword(k); err != nil {
			return nil, err
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one keyword is required", ErrInvalidInput)
	}
	if maxKeywords > 0 && len(out) > maxKeywords {
		return nil, fmt.Errorf("%w: at most %d keywords per bulk request", ErrInvalidInput, maxKeywords)
	}
	return out, nil
}

func isCountryCode(c string) bool {
	if len(c) != 2 {
		return false
	}
	for _, r := range c {
		if !unicode.IsLetter(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
