package notes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name string
		path string
		text string
		want string
	}{
		{
			name: "frontmatter title wins",
			path: "notes/x.md",
			text: "---\ntitle: \"From Frontmatter\"\ntags: [a]\n---\n# Heading Title\nbody",
			want: "From Frontmatter",
		},
		{
			name: "first heading",
			path: "notes/x.md",
			text: "intro line\n\n# Real Title\n\n## Subsection",
			want: "Real Title",
		},
		{
			name: "filename stem fallback",
			path: "notes/Meeting Notes.md",
			text: "no headings here at all",
			want: "Meeting Notes",
		},
		{
			name: "frontmatter without title falls through",
			path: "x.md",
			text: "---\ntags: [a, b]\n---\n## Found It\n",
			want: "Found It",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTitle(tt.path, tt.text))
		})
	}
}

func TestExtractLinks(t *testing.T) {
	text := `See [[Alpha]] and [[Beta|the beta note]] plus [[Alpha]] again.
Also [[Gamma#section]] and a [markdown link](delta.md).
An external [site](https://example.com) is not a note link.`

	links := extractLinks(text)

	assert.Equal(t, []string{"Alpha", "Beta", "Gamma", "delta.md"}, links)
}

func TestExtractLinksEmpty(t *testing.T) {
	assert.Empty(t, extractLinks("plain text, no links"))
}
