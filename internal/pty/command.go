package pty

import "strings"

// SplitCommand splits a command line into the executable and its arguments.
// Single and double quotes group words; there is no escape character.
func SplitCommand(line string) (string, []string) {
	var (
		parts   []string
		current strings.Builder
		quote   rune
		inWord  bool
	)
	flush := func() {
		if inWord {
			parts = append(parts, current.String())
			current.Reset()
			inWord = false
		}
	}

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	flush()

	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
