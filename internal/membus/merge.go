package membus

import (
	"reflect"
	"strings"
	"time"

	"github.com/HendryAvila/membus/internal/document"
)

// mergeDocuments three-way merges incoming into current with base as the
// common ancestor. A frontmatter key changed on one side only takes that
// side's value; a key both sides changed takes the value of the later
// submission, incoming on a tie. It reports false when the content edits
// overlap.
func mergeDocuments(base, current, incoming Document, currentAt, incomingAt time.Time) (Document, bool) {
	content, ok := mergeContent(base.Content, current.Content, incoming.Content)
	if !ok {
		return Document{}, false
	}
	incomingLater := !incomingAt.Before(currentAt)

	fm := document.Frontmatter{}
	keys := map[string]struct{}{}
	for _, f := range []document.Frontmatter{base.Frontmatter, current.Frontmatter, incoming.Frontmatter} {
		for k := range f {
			keys[k] = struct{}{}
		}
	}
	for k := range keys {
		bv, inBase := base.Frontmatter[k]
		cv, inCur := current.Frontmatter[k]
		iv, inIn := incoming.Frontmatter[k]
		curChanged := inCur != inBase || !reflect.DeepEqual(cv, bv)
		inChanged := inIn != inBase || !reflect.DeepEqual(iv, bv)

		takeIncoming := inChanged && (!curChanged || incomingLater)
		v, present := cv, inCur
		if takeIncoming {
			v, present = iv, inIn
		}
		if present {
			fm[k] = v
		}
	}
	return Document{Path: current.Path, Content: content, Frontmatter: fm.Clone()}, true
}

// mergeContent merges two line-based edits of base.
func mergeContent(base, ours, theirs string) (string, bool) {
	switch {
	case ours == theirs:
		return ours, true
	case ours == base:
		return theirs, true
	case theirs == base:
		return ours, true
	}
	// Both sides appended to the ancestor.
	if strings.HasPrefix(ours, base) && strings.HasPrefix(theirs, base) {
		a, b := ours[len(base):], theirs[len(base):]
		if strings.HasPrefix(b, a) {
			return theirs, true
		}
		if strings.HasPrefix(a, b) {
			return ours, true
		}
		return base + a + b, true
	}

	bl, ol, tl := splitLines(base), splitLines(ours), splitLines(theirs)
	o := changedRegion(bl, ol)
	t := changedRegion(bl, tl)
	// Edits touching or sharing an insertion point are ambiguous.
	if !(o.end < t.start || t.end < o.start) {
		return "", false
	}
	first, second := o, t
	firstLines, secondLines := ol, tl
	if t.start < o.start {
		first, second = t, o
		firstLines, secondLines = tl, ol
	}
	var out []string
	out = append(out, bl[:first.start]...)
	out = append(out, firstLines[first.start:first.start+first.repl]...)
	out = append(out, bl[first.end:second.start]...)
	out = append(out, secondLines[second.start:second.start+second.repl]...)
	out = append(out, bl[second.end:]...)
	return strings.Join(out, ""), true
}

// region is the span [start, end) of base lines an edit replaced with repl
// lines.
type region struct {
	start, end, repl int
}

func changedRegion(base, edited []string) region {
	prefix := 0
	for prefix < len(base) && prefix < len(edited) && base[prefix] == edited[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(edited)-prefix &&
		base[len(base)-1-suffix] == edited[len(edited)-1-suffix] {
		suffix++
	}
	return region{start: prefix, end: len(base) - suffix, repl: len(edited) - suffix - prefix}
}

// splitLines splits s keeping the line terminators, so joining the result
// restores s exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
