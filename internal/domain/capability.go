package domain

import (
	"regexp"
	"slices"
	"strings"
)

var capabilityRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._:/-]{0,63}$`)

// NormalizeCapabilities приводит набор к каноничному виду:
// trim + lower-case, без дублей, отсортирован.
func NormalizeCapabilities(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if !capabilityRe.MatchString(c) {
			return nil, Validationf("invalid capability %q", c)
		}
		out = append(out, c)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// NormalizeCapability — то же самое для одиночного фильтра.
func NormalizeCapability(c string) (string, error) {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "", nil
	}
	if !capabilityRe.MatchString(c) {
		return "", Validationf("invalid capability %q", c)
	}
	return c, nil
}
