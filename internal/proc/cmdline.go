package proc

import "strings"

// Windows passes a single command-line string instead of an argument vector,
// so the backend must quote deterministically such that the child's own
// re-parse yields the original argv byte for byte. The quoting below follows
// the MSVCRT rules; it lives in a portable file so the round-trip property is
// tested on every platform.

// needsQuoting reports whether arg must be wrapped in double quotes.
func needsQuoting(arg string) bool {
	if arg == "" {
		return true
	}
	return strings.ContainsAny(arg, " \t\"")
}

// appendQuotedArg appends one argument, quoted if needed, to buf.
func appendQuotedArg(buf []byte, arg string) []byte {
	if !needsQuoting(arg) {
		return append(buf, arg...)
	}

	buf = append(buf, '"')
	backslashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			backslashes++
			buf = append(buf, '\\')
		case '"':
			// Backslashes before a quote must be doubled, then the quote
			// itself escaped.
			for ; backslashes > 0; backslashes-- {
				buf = append(buf, '\\')
			}
			buf = append(buf, '\\', '"')
		default:
			backslashes = 0
			buf = append(buf, c)
		}
	}
	// Trailing backslashes precede the closing quote and must be doubled.
	for ; backslashes > 0; backslashes-- {
		buf = append(buf, '\\')
	}
	return append(buf, '"')
}

// BuildCommandLine joins exe and args into one Windows command line.
func BuildCommandLine(exe string, args []string) string {
	buf := appendQuotedArg(nil, exe)
	for _, a := range args {
		buf = append(buf, ' ')
		buf = appendQuotedArg(buf, a)
	}
	return string(buf)
}

// SplitCommandLine parses a command line back into an argument vector using
// the same rules CommandLineToArgvW applies to quoted arguments. It is the
// inverse of BuildCommandLine for any argv.
func SplitCommandLine(line string) []string {
	var args []string
	i := 0
	n := len(line)
	for {
		// Skip separators.
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			return args
		}

		var cur []byte
		inQuotes := false
		for i < n {
			c := line[i]
			if !inQuotes && (c == ' ' || c == '\t') {
				break
			}
			if c == '\\' {
				// Count the run of backslashes and decide by what follows.
				j := i
				for j < n && line[j] == '\\' {
					j++
				}
				run := j - i
				if j < n && line[j] == '"' {
					for k := 0; k < run/2; k++ {
						cur = append(cur, '\\')
					}
					if run%2 == 1 {
						cur = append(cur, '"')
						i = j + 1
					} else {
						i = j
					}
					continue
				}
				for k := 0; k < run; k++ {
					cur = append(cur, '\\')
				}
				i = j
				continue
			}
			if c == '"' {
				inQuotes = !inQuotes
				i++
				continue
			}
			cur = append(cur, c)
			i++
		}
		args = append(args, string(cur))
	}
}
