package mtree

import (
	"fmt"
	"strconv"
	"strings"
)

// Warnf receives diagnostics about recognized-but-ignorable constructs,
// such as unknown mtree keywords. It may be nil.
type Warnf func(format string, args ...any)

// keyword classification, replacing per-keyword required/forbidden-value
// checks with a single table lookup.
type keywordClass int

const (
	// classFlag keywords must not carry a value (ignore, nochange, optional).
	classFlag keywordClass = iota

	// classValue keywords require a key=value form.
	classValue

	// classIgnored keywords require a value but carry no semantic weight for
	// reconciliation (digests, ownership, link counts).
	classIgnored
)

var keywords = map[string]keywordClass{
	"ignore":   classFlag,
	"nochange": classFlag,
	"optional": classFlag,

	"type":         classValue,
	"mode":         classValue,
	"size":         classValue,
	"time":         classValue,
	"link":         classValue,
	"content":      classValue,
	"contents":     classValue,
	"sha256":       classValue,
	"sha256digest": classValue,

	"cksum":           classIgnored,
	"device":          classIgnored,
	"flags":           classIgnored,
	"gid":             classIgnored,
	"gname":           classIgnored,
	"inode":           classIgnored,
	"md5":             classIgnored,
	"md5digest":       classIgnored,
	"nlink":           classIgnored,
	"resdevice":       classIgnored,
	"ripemd160digest": classIgnored,
	"rmd160":          classIgnored,
	"rmd160digest":    classIgnored,
	"sha1":            classIgnored,
	"sha1digest":      classIgnored,
	"sha384":          classIgnored,
	"sha384digest":    classIgnored,
	"sha512":          classIgnored,
	"sha512digest":    classIgnored,
	"uid":             classIgnored,
	"uname":           classIgnored,
}

// ParseLine parses a single manifest line.
//
// Blank lines and comment lines return (nil, nil) and are skipped by the
// caller. warnf, if non-nil, receives diagnostics for unrecognized keywords;
// everything else outside the supported grammar is a hard error.
func ParseLine(line string, warnf Warnf) (*Entry, error) {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" || trimmed[0] == '#' {
		return nil, nil
	}

	if line[0] == '/' {
		return nil, fmt.Errorf("special commands (%q) are not supported", firstToken(line))
	}

	if line[0] != '.' || (len(line) > 1 && line[1] != '/' && line[1] != ' ' && line[1] != '\t') {
		return nil, fmt.Errorf("manifest must be rooted at %q", ".")
	}

	if strings.HasSuffix(line, "\\") {
		return nil, fmt.Errorf("continuation lines are not supported")
	}

	tokens := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t'
	})

	name, err := unescape(tokens[0])
	if err != nil {
		return nil, fmt.Errorf("entry name %q: %w", tokens[0], err)
	}

	e := &Entry{Name: name, Mode: -1, Size: -1}

	// sha256= and sha256digest= are tracked separately so a line carrying
	// both with different values can be rejected.
	var sha256, sha256digest string

	for _, tok := range tokens[1:] {
		key, value, hasValue := strings.Cut(tok, "=")

		class, known := keywords[key]
		if !known {
			if warnf != nil {
				warnf("unrecognized keyword %q", key)
			}
			continue
		}

		switch class {
		case classFlag:
			if hasValue {
				return nil, fmt.Errorf("%s does not take a value", key)
			}
		case classValue, classIgnored:
			if !hasValue {
				return nil, fmt.Errorf("%s requires a value", key)
			}
		}

		if class == classIgnored {
			continue
		}

		switch key {
		case "ignore":
			e.IgnoreBelow = true
		case "nochange":
			e.NoChange = true
		case "optional":
			e.Optional = true
		case "type":
			e.Kind = parseKind(value)
		case "mode":
			mode, err := strconv.ParseUint(value, 8, 32)
			if err != nil || mode > 0o7777 {
				return nil, fmt.Errorf("invalid mode %q", value)
			}
			e.Mode = int32(mode & 0o777)
		case "size":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return nil, fmt.Errorf("invalid size %q", value)
			}
			e.Size = size
		case "time":
			if err := parseTime(value, e); err != nil {
				return nil, err
			}
		case "link":
			target, err := unescape(value)
			if err != nil {
				return nil, fmt.Errorf("link target %q: %w", value, err)
			}
			e.Link = target
		case "content", "contents":
			contents, err := unescape(value)
			if err != nil {
				return nil, fmt.Errorf("contents %q: %w", value, err)
			}
			e.Contents = contents
		case "sha256":
			sha256 = value
		case "sha256digest":
			sha256digest = value
		}
	}

	if sha256 != "" && sha256digest != "" && sha256 != sha256digest {
		return nil, fmt.Errorf("sha256 %q and sha256digest %q differ", sha256, sha256digest)
	}

	e.SHA256 = sha256
	if e.SHA256 == "" {
		e.SHA256 = sha256digest
	}

	if e.Kind == KindUnknown {
		return nil, fmt.Errorf("entry %q has unsupported or missing type", e.Name)
	}

	if e.Kind == KindSymlink && e.Link == "" {
		return nil, fmt.Errorf("symlink %q has no target", e.Name)
	}

	if e.Kind != KindSymlink && e.Link != "" {
		return nil, fmt.Errorf("entry %q of type %s has a symlink target", e.Name, e.Kind)
	}

	return e, nil
}

func parseKind(value string) Kind {
	switch value {
	case "file":
		return KindFile
	case "dir":
		return KindDir
	case "link":
		return KindSymlink
	case "block":
		return KindBlock
	case "char":
		return KindChar
	case "fifo":
		return KindFifo
	case "socket":
		return KindSocket
	default:
		return KindUnknown
	}
}

// parseTime parses time=SECONDS or time=SECONDS.NNNNNNNNN.
//
// The fractional part must be either "0" or exactly nine digits of
// nanoseconds. Historically a short fraction in this ecosystem meant
// "nanoseconds" rather than a decimal fraction of a second, so anything
// ambiguous is rejected instead of silently mishandled.
func parseTime(value string, e *Entry) error {
	secField, frac, hasFrac := strings.Cut(value, ".")

	sec, err := strconv.ParseInt(secField, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid time %q", value)
	}

	var nsec int64
	if hasFrac && frac != "0" {
		// Exactly nine digits: a sign or any other byte would otherwise
		// satisfy ParseInt and smuggle in negative nanoseconds.
		if len(frac) != 9 || !isDigits(frac) {
			return fmt.Errorf("time %q: fractional part must be 0 or exactly 9 digits", value)
		}

		nsec, err = strconv.ParseInt(frac, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid time %q", value)
		}
	}

	e.Mtime = sec
	e.MtimeNsec = int32(nsec)
	e.HaveMtime = true

	return nil
}

// unescape resolves the supported backslash escapes: octal sequences of up
// to three digits and the C-style letters b f n r t v " \. This is a
// deliberate subset of what mtree implementations emit; any other escape is
// a hard error.
func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}

	var out strings.Builder
	out.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}

		i++
		if i >= len(s) {
			return "", fmt.Errorf("truncated escape sequence")
		}

		c = s[i]
		if c >= '0' && c <= '7' {
			val := int(c - '0')
			for len(s) > i+1 && s[i+1] >= '0' && s[i+1] <= '7' && val <= 0o77 {
				i++
				val = val<<3 | int(s[i]-'0')
			}

			if val > 0xFF {
				return "", fmt.Errorf("octal escape out of range")
			}

			out.WriteByte(byte(val))
			continue
		}

		switch c {
		case 'b':
			out.WriteByte('\b')
		case 'f':
			out.WriteByte('\f')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		case 'v':
			out.WriteByte('\v')
		case '"':
			out.WriteByte('"')
		case '\\':
			out.WriteByte('\\')
		default:
			return "", fmt.Errorf("unsupported escape \\%c", c)
		}
	}

	return out.String(), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

func firstToken(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}
