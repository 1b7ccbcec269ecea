package bus

import (
	"fmt"
	"strings"
)

// validateSubject rejects empty tokens, and wildcards when wildcard is false.
func validateSubject(subject string, wildcard bool) error {
	if subject == "" {
		return fmt.Errorf("subject must not be empty")
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("subject %q has an empty token", subject)
		case (tok == "*" || tok == ">") && !wildcard:
			return fmt.Errorf("subject %q must not contain wildcards", subject)
		case tok == ">" && i != len(tokens)-1:
			return fmt.Errorf("subject %q: '>' must be the last token", subject)
		}
	}
	return nil
}

// Match reports whether subject is covered by pattern.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
