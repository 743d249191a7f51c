package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a Go duration string field, returning def when the field
// is empty. The field name is included in error messages so reload failures
// point at the offending key.
func Duration(name, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, s)
	}
	return d, nil
}
