package rag

import "strings"

// tagPair is an open/close reasoning-tag pair some models emit around
// their chain of thought.
type tagPair struct {
	open  string
	close string
}

var thinkTags = []tagPair{
	{open: "<think>", close: "</think>"},
	{open: "<|thinking|>", close: "</|thinking|>"},
}

// ThinkFilter strips model reasoning tags from a token stream. Tags can
// straddle token boundaries, so the filter holds back any suffix that
// could still turn into a tag and releases it once the ambiguity resolves.
type ThinkFilter struct {
	pending strings.Builder
	inside  bool
	close   string
}

// Feed consumes the next token and returns the text safe to emit.
func (f *ThinkFilter) Feed(token string) string {
	f.pending.WriteString(token)
	buf := f.pending.String()
	f.pending.Reset()

	var out strings.Builder
	for buf != "" {
		if f.inside {
			if i := strings.Index(buf, f.close); i >= 0 {
				buf = buf[i+len(f.close):]
				f.inside = false
				continue
			}
			// Still thinking. Keep only a tail that could be the start of
			// the close tag; the rest is discarded reasoning.
			f.pending.WriteString(tagTail(buf, f.close))
			return out.String()
		}

		i, pair := earliestOpen(buf)
		if i >= 0 {
			out.WriteString(buf[:i])
			buf = buf[i+len(pair.open):]
			f.inside = true
			f.close = pair.close
			continue
		}

		// No full tag. Hold back a suffix that might become one.
		held := 0
		for _, p := range thinkTags {
			if n := len(tagTail(buf, p.open)); n > held {
				held = n
			}
		}
		out.WriteString(buf[:len(buf)-held])
		f.pending.WriteString(buf[len(buf)-held:])
		return out.String()
	}
	return out.String()
}

// Flush ends the stream. Anything still held back is dropped: either it
// is reasoning inside an unclosed block, or a tag fragment the model cut
// off mid-way.
func (f *ThinkFilter) Flush() {
	f.pending.Reset()
	f.inside = false
}

// earliestOpen finds the first full open tag in s.
func earliestOpen(s string) (int, tagPair) {
	best := -1
	var bestPair tagPair
	for _, p := range thinkTags {
		if i := strings.Index(s, p.open); i >= 0 && (best < 0 || i < best) {
			best = i
			bestPair = p
		}
	}
	return best, bestPair
}

// tagTail returns the longest suffix of s that is a proper prefix of tag.
func tagTail(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
