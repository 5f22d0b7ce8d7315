package logging

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// LoggerPatternConfig sets the level of every registered logger whose name matches Pattern.
// Patterns are dot separated sections; a "*" section matches any run of characters, so
// "backend.*" matches both "backend.solver" and "backend.solver.steps".
type LoggerPatternConfig struct {
	Pattern string `json:"pattern"`
	Level   string `json:"level"`
}

var patternSection = regexp.MustCompile(`^([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*)$`)

// matcher compiles the pattern into an anchored regular expression.
func (lpc LoggerPatternConfig) matcher() (*regexp.Regexp, error) {
	sections := strings.Split(lpc.Pattern, ".")
	parts := make([]string, 0, len(sections))
	for _, section := range sections {
		switch {
		case section == "*":
			parts = append(parts, ".*")
		case patternSection.MatchString(section):
			parts = append(parts, regexp.QuoteMeta(section))
		default:
			return nil, errors.Errorf("invalid logger pattern %q", lpc.Pattern)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}
