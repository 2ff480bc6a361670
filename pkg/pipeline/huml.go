// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"fmt"
	"strings"
)

// humlToYAML rewrites a HUML document into equivalent YAML so both
// formats share one decode path. The subset handled covers pipeline
// configs:
//
//   - the %HUML version header line
//   - scalar entries     key: value
//   - block entries      key::   (indented dict entries or "- item" lists)
//   - inline vectors     key:: a, b, c
//   - "#" comments and blank lines
//
// Quoted strings, numbers and booleans carry the same lexical form in
// both languages, so values pass through verbatim.
func humlToYAML(content []byte) ([]byte, error) {
	lines := strings.Split(string(content), "\n")
	var out strings.Builder

	for n, raw := range lines {
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimLeft(line, " \t")

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			out.WriteString("\n")
			continue
		case strings.HasPrefix(trimmed, humlMarker):
			out.WriteString("\n")
			continue
		case strings.HasPrefix(trimmed, "- "):
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}

		indent := line[:len(line)-len(trimmed)]
		if strings.ContainsRune(indent, '\t') {
			return nil, fmt.Errorf("line %d: tabs are not valid HUML indentation", n+1)
		}

		key, rest, ok := splitHUMLEntry(trimmed)
		if !ok {
			return nil, fmt.Errorf("line %d: expected 'key: value' or 'key::' entry", n+1)
		}

		switch {
		case strings.HasSuffix(key, "::"):
			name := strings.TrimSuffix(key, "::")
			if rest == "" {
				// Block vector or dict; the indented lines that follow are
				// already valid YAML.
				fmt.Fprintf(&out, "%s%s:\n", indent, name)
			} else {
				// Inline vector.
				fmt.Fprintf(&out, "%s%s: [%s]\n", indent, name, rest)
			}
		default:
			fmt.Fprintf(&out, "%s%s: %s\n", indent, strings.TrimSuffix(key, ":"), rest)
		}
	}

	return []byte(out.String()), nil
}

// splitHUMLEntry splits "key: value", "key::" or "key:: a, b" at the key
// separator, respecting quoted strings.
func splitHUMLEntry(s string) (key, rest string, ok bool) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if inQuote {
				continue
			}
			if i+1 < len(s) && s[i+1] == ':' {
				return s[:i+2], strings.TrimSpace(s[i+2:]), true
			}
			return s[:i+1], strings.TrimSpace(s[i+1:]), true
		}
	}
	return "", "", false
}
