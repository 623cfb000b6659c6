package introspect

import (
	"regexp"
	"strings"
)

// Doc is the parsed form of a method's documentation text.
type Doc struct {
	Summary string
	Params  map[string]string
}

var (
	sphinxParam  = regexp.MustCompile(`^\s*:param\s+(?:[\w\[\]\.,| ]+\s+)?(\w+)\s*:\s*(.*)$`)
	googleTyped  = regexp.MustCompile(`^\s*(\w+)\s*\(([^)]*)\)\s*:\s*(.*)$`)
	numpyParam   = regexp.MustCompile(`^\s*(\w+)\s+:\s*(.*)$`)
	googlePlain  = regexp.MustCompile(`^\s*(\w+)\s*:\s*(.+)$`)
	sectionLine  = regexp.MustCompile(`^\s*(Args|Arguments|Parameters|Params|Keyword Args|Returns|Return|Yields|Raises|Examples?|Notes?)\s*:?\s*$`)
	underlineRow = regexp.MustCompile(`^\s*-{3,}\s*$`)
)

// ParseDoc extracts a free-text summary and per-parameter descriptions.
// Recognized parameter dialects:
//
//	name (type): text
//	:param name: text
//	name : type
//	    text
func ParseDoc(doc string) Doc {
	out := Doc{Params: map[string]string{}}
	lines := strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n")

	var summary []string
	inSummary := true
	inArgs := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if m := sectionLine.FindStringSubmatch(line); m != nil {
			inSummary = false
			switch m[1] {
			case "Args", "Arguments", "Parameters", "Params", "Keyword Args":
				inArgs = true
			default:
				inArgs = false
			}
			continue
		}
		if underlineRow.MatchString(line) {
			continue
		}

		if m := sphinxParam.FindStringSubmatch(line); m != nil {
			inSummary = false
			text, next := continuation(lines, i, m[2])
			out.Params[m[1]] = text
			i = next
			continue
		}
		if strings.HasPrefix(trimmed, ":") {
			// :returns:, :raises: and friends end the summary.
			inSummary = false
			continue
		}

		if inSummary {
			if trimmed == "" {
				if len(summary) > 0 {
					inSummary = false
				}
				continue
			}
			summary = append(summary, trimmed)
			continue
		}

		if m := googleTyped.FindStringSubmatch(line); m != nil {
			text, next := continuation(lines, i, m[3])
			out.Params[m[1]] = text
			i = next
			continue
		}
		if m := numpyParam.FindStringSubmatch(line); m != nil {
			// "name : type" followed by an indented description block;
			// a lone "name : text" line is its own description.
			text, next := continuation(lines, i, "")
			if text == "" {
				text = strings.TrimSpace(m[2])
			}
			out.Params[m[1]] = text
			i = next
			continue
		}
		if inArgs {
			if m := googlePlain.FindStringSubmatch(line); m != nil {
				text, next := continuation(lines, i, m[2])
				out.Params[m[1]] = text
				i = next
			}
		}
	}

	out.Summary = strings.Join(summary, " ")
	return out
}

// continuation gathers lines indented deeper than lines[i] and joins them onto
// head. It returns the text and the index of the last consumed line.
func continuation(lines []string, i int, head string) (string, int) {
	base := indentOf(lines[i])
	parts := []string{}
	if h := strings.TrimSpace(head); h != "" {
		parts = append(parts, h)
	}
	j := i + 1
	for ; j < len(lines); j++ {
		l := lines[j]
		if strings.TrimSpace(l) == "" || indentOf(l) <= base {
			break
		}
		parts = append(parts, strings.TrimSpace(l))
	}
	return strings.Join(parts, " "), j - 1
}

func indentOf(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}
