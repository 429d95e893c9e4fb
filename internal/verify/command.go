package verify

import (
	"fmt"
	"path/filepath"
	"strings"
)

type quoteState int

const (
	unquoted quoteState = iota
	singleQuoted
	doubleQuoted
)

// SplitCommand splits a command line into argv with POSIX-like quoting.
// Shell control operators outside quotes are rejected.
func SplitCommand(line string) ([]string, error) {
	var (
		argv    []string
		cur     strings.Builder
		inArg   bool
		state   = unquoted
		escaped bool
	)
	emit := func() {
		if inArg {
			argv = append(argv, cur.String())
			cur.Reset()
			inArg = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			cur.WriteByte(c)
			inArg, escaped = true, false
			continue
		}
		switch state {
		case singleQuoted:
			if c == '\'' {
				state = unquoted
			} else {
				cur.WriteByte(c)
			}
		case doubleQuoted:
			switch c {
			case '"':
				state = unquoted
			case '\\':
				escaped = true
			default:
				cur.WriteByte(c)
			}
		default:
			if tok := shellOperator(line, i); tok != "" {
				return nil, fmt.Errorf("invalid build command: disallowed token %q", tok)
			}
			switch c {
			case ' ', '\t', '\n', '\r', '\f', '\v':
				emit()
			case '\'':
				inArg, state = true, singleQuoted
			case '"':
				inArg, state = true, doubleQuoted
			case '\\':
				inArg, escaped = true, true
			default:
				cur.WriteByte(c)
				inArg = true
			}
		}
	}

	if escaped {
		return nil, fmt.Errorf("invalid build command: trailing escape")
	}
	if state != unquoted {
		return nil, fmt.Errorf("invalid build command: unterminated quote")
	}
	emit()
	if len(argv) == 0 {
		return nil, fmt.Errorf("invalid build command: empty command")
	}
	return argv, nil
}

func shellOperator(line string, i int) string {
	next := byte(0)
	if i+1 < len(line) {
		next = line[i+1]
	}
	switch c := line[i]; c {
	case ';', '<', '>', '`':
		return string(c)
	case '|', '&':
		if next == c {
			return string([]byte{c, c})
		}
		return string(c)
	case '$':
		if next == '(' {
			return "$("
		}
		return "$"
	}
	return ""
}

var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"csh": true, "tcsh": true, "fish": true, "cmd": true, "powershell": true, "pwsh": true,
}

// checkExecutable rejects shells, including through env and busybox.
func checkExecutable(argv []string) error {
	name := baseName(argv[0])
	if shells[name] {
		return fmt.Errorf("invalid build command: disallowed executable %q", name)
	}
	var wrapped string
	switch name {
	case "env":
		if i := envCommandIndex(argv); i < len(argv) {
			wrapped = baseName(argv[i])
		}
	case "busybox":
		if len(argv) > 1 {
			wrapped = baseName(argv[1])
		}
	}
	if shells[wrapped] {
		return fmt.Errorf("invalid build command: disallowed executable %q", wrapped)
	}
	return nil
}

func baseName(path string) string {
	return strings.TrimSuffix(strings.ToLower(filepath.Base(path)), ".exe")
}

// envCommandIndex skips env's flags and NAME=value pairs.
func envCommandIndex(argv []string) int {
	i := 1
	for i < len(argv) {
		a := argv[i]
		switch {
		case a == "--":
			return i + 1
		case strings.Contains(a, "="):
			i++
		case !strings.HasPrefix(a, "-"):
			return i
		case a == "-u":
			i += 2
		default:
			i++
		}
	}
	return i
}
