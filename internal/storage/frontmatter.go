package storage

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoFrontmatter is returned when a file does not open with a "---" line
// or never closes its front matter block.
var ErrNoFrontmatter = errors.New("no frontmatter")

// ParseFrontmatter splits a Markdown document into its YAML front matter
// and body. Scalar values are kept verbatim; nested values are kept as
// their YAML text so unknown keys survive a rewrite.
func ParseFrontmatter(content string) (map[string]string, string, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return nil, content, fmt.Errorf("%w: missing opening delimiter", ErrNoFrontmatter)
	}

	rest := content[4:]
	var fmStr, body string
	switch {
	case strings.HasPrefix(rest, "---\n"):
		body = rest[4:]
	case rest == "---":
	default:
		idx := strings.Index(rest, "\n---\n")
		if idx < 0 {
			if !strings.HasSuffix(rest, "\n---") {
				return nil, content, fmt.Errorf("%w: missing closing delimiter", ErrNoFrontmatter)
			}
			idx = len(rest) - 4
			fmStr = rest[:idx]
		} else {
			fmStr = rest[:idx]
			body = rest[idx+5:]
		}
	}
	body = strings.TrimLeft(body, "\n")

	meta := make(map[string]string)
	if strings.TrimSpace(fmStr) == "" {
		return meta, body, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(fmStr), &doc); err != nil {
		return nil, body, fmt.Errorf("unmarshaling frontmatter: %w", err)
	}
	if len(doc.Content) == 0 {
		return meta, body, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, body, fmt.Errorf("unmarshaling frontmatter: expected a mapping, got %s", kindName(root.Kind))
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if val.Kind == yaml.ScalarNode {
			if val.Tag == "!!null" {
				meta[key.Value] = ""
				continue
			}
			meta[key.Value] = val.Value
			continue
		}
		raw, err := yaml.Marshal(val)
		if err != nil {
			return nil, body, fmt.Errorf("re-encoding frontmatter key %q: %w", key.Value, err)
		}
		meta[key.Value] = strings.TrimRight(string(raw), "\n")
	}

	return meta, body, nil
}

// RenderFrontmatter produces a Markdown document with the given metadata as
// YAML front matter followed by the body. Keys are written in sorted order
// so identical items render identically.
func RenderFrontmatter(meta map[string]string, body string) (string, error) {
	clean := make(map[string]string, len(meta))
	for k, v := range meta {
		if v != "" {
			clean[k] = v
		}
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	if len(clean) > 0 {
		fmBytes, err := yaml.Marshal(clean)
		if err != nil {
			return "", fmt.Errorf("marshaling frontmatter: %w", err)
		}
		sb.Write(fmBytes)
	}
	sb.WriteString("---\n\n")
	sb.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "mapping"
	}
}
