package document

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// MarshalMarkdown renders d as a Markdown file with a YAML frontmatter block.
// Documents without frontmatter are rendered as plain Markdown.
func MarshalMarkdown(d Document) ([]byte, error) {
	var buf bytes.Buffer
	if len(d.Frontmatter) > 0 {
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range d.Frontmatter.Keys() {
			var val yaml.Node
			if err := val.Encode(d.Frontmatter[k]); err != nil {
				return nil, fmt.Errorf("document: encode frontmatter %q: %w", k, err)
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: k},
				&val,
			)
		}
		out, err := yaml.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("document: encode frontmatter: %w", err)
		}
		buf.WriteString(fence + "\n")
		buf.Write(out)
		buf.WriteString(fence + "\n\n")
	}
	buf.WriteString(d.Content)
	if !strings.HasSuffix(d.Content, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// UnmarshalMarkdown splits a Markdown file into frontmatter and body.
// A missing or unterminated fence means the whole file is body.
func UnmarshalMarkdown(p string, data []byte) (Document, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	d := Document{Path: p}

	if !strings.HasPrefix(text, fence+"\n") {
		d.Content = strings.TrimRight(text, "\n")
		return d, nil
	}
	rest := text[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence)
	if end < 0 {
		d.Content = strings.TrimRight(text, "\n")
		return d, nil
	}
	head := rest[:end]
	body := rest[end+len(fence)+1:]
	body = strings.TrimPrefix(body, "\n")

	fm := Frontmatter{}
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return Document{}, fmt.Errorf("document: parse frontmatter of %s: %w", p, err)
	}
	if len(fm) > 0 {
		d.Frontmatter = fm
	}
	d.Content = strings.TrimRight(strings.TrimPrefix(body, "\n"), "\n")
	return d, nil
}
