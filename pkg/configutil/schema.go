package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema lists the keys a vendor or transport settings map may carry.
// Matching ignores case, underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every missing and unknown key of one settings map.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Path, msg)
}

// Validate checks input against the schema. A required key holding nil or a
// blank string counts as missing. The error is a *SettingsError.
func (s Schema) Validate(path string, input map[string]any) error {
	known := make(map[string]string, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		known[normalizeKey(k)] = ""
	}
	for _, k := range s.Required {
		known[normalizeKey(k)] = k
	}

	present := make(map[string]bool, len(input))
	serr := &SettingsError{Path: path}
	for k, v := range input {
		nk := normalizeKey(k)
		req, ok := known[nk]
		switch {
		case !ok:
			if !s.AllowUnknown {
				serr.Unknown = append(serr.Unknown, k)
			}
		case req != "" && blank(v):
			continue
		}
		present[nk] = true
	}
	for _, k := range s.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
