package rag

import (
	"strings"
	"testing"
)

func runFilter(tokens []string) string {
	var f ThinkFilter
	var out strings.Builder
	for _, tok := range tokens {
		out.WriteString(f.Feed(tok))
	}
	f.Flush()
	return out.String()
}

func TestThinkFilter(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{
			name:   "no tags",
			tokens: []string{"Se declara ", "con lugar."},
			want:   "Se declara con lugar.",
		},
		{
			name:   "tag in one token",
			tokens: []string{"<think>razonamiento interno</think>Respuesta final"},
			want:   "Respuesta final",
		},
		{
			name:   "tag straddles tokens",
			tokens: []string{"<th", "ink>pensando", " más</th", "ink>Respuesta"},
			want:   "Respuesta",
		},
		{
			name:   "pipe variant",
			tokens: []string{"<|think", "ing|>oculto</|thinking|>", "visible"},
			want:   "visible",
		},
		{
			name:   "text around block",
			tokens: []string{"antes <think>x</think> después"},
			want:   "antes  después",
		},
		{
			name:   "unclosed block dropped",
			tokens: []string{"Respuesta<think>se quedó", " pensando"},
			want:   "Respuesta",
		},
		{
			name:   "dangling tag fragment dropped at end",
			tokens: []string{"listo <thi"},
			want:   "listo ",
		},
		{
			name:   "angle bracket that is not a tag",
			tokens: []string{"1 <", " 2 y 3 > 2"},
			want:   "1 < 2 y 3 > 2",
		},
		{
			name:   "two blocks",
			tokens: []string{"<think>a</think>uno<think>b</think>dos"},
			want:   "unodos",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runFilter(tt.tokens); got != tt.want {
				t.Errorf("filtered = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestThinkFilterHoldsPrefixUntilResolved(t *testing.T) {
	var f ThinkFilter
	if got := f.Feed("hola <th"); got != "hola " {
		t.Errorf("first feed = %q, want %q", got, "hola ")
	}
	// The held fragment turns out not to be a tag.
	if got := f.Feed("e mundo"); got != "<the mundo" {
		t.Errorf("second feed = %q, want %q", got, "<the mundo")
	}
}
