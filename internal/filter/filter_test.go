package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMarkdownRules(t *testing.T) {
	s := New([]string{"**/*.md"}, []string{".notesim/", ".git/", ".obsidian/"})

	assert.True(t, s.Allows("note.md"))
	assert.True(t, s.Allows("deep/nested/dir/note.md"))
	assert.False(t, s.Allows("image.png"))
	assert.False(t, s.Allows("script.sh"))
	assert.False(t, s.Allows(".git/config.md"))
	assert.False(t, s.Allows(".obsidian/workspace.md"))
	assert.False(t, s.Allows(".notesim/cache.md"))
}

func TestEmptyIncludeAdmitsEverything(t *testing.T) {
	s := New(nil, []string{"*.tmp"})

	assert.True(t, s.Allows("anything.md"))
	assert.True(t, s.Allows("dir/file.txt"))
	assert.False(t, s.Allows("scratch.tmp"))
}

func TestSingleStarDoesNotCrossDirectories(t *testing.T) {
	s := New([]string{"*.md"}, nil)

	assert.True(t, s.Allows("top.md"))
	// Unanchored patterns match at any depth, like gitignore.
	assert.True(t, s.Allows("sub/inner.md"))
	assert.False(t, s.Allows("sub/inner.txt"))
}

func TestAnchoredPatterns(t *testing.T) {
	s := New([]string{"docs/**"}, nil)

	assert.True(t, s.Allows("docs/a.md"))
	assert.True(t, s.Allows("docs/sub/b.md"))
	assert.False(t, s.Allows("other/docs.md"))
	assert.False(t, s.Allows("a.md"))
}

func TestNegationReAdmits(t *testing.T) {
	s := New(nil, []string{"drafts/", "!drafts/ready.md"})

	assert.False(t, s.Allows("drafts/wip.md"))
	assert.True(t, s.Allows("drafts/ready.md"))
	assert.True(t, s.Allows("published.md"))
}

func TestQuestionMarkMatchesOneCharacter(t *testing.T) {
	s := New([]string{"note?.md"}, nil)

	assert.True(t, s.Allows("note1.md"))
	assert.True(t, s.Allows("noteA.md"))
	assert.False(t, s.Allows("note12.md"))
	assert.False(t, s.Allows("note.md"))
}

func TestResetSwapsRulesAtRuntime(t *testing.T) {
	s := New([]string{"**/*.md"}, nil)
	assert.True(t, s.Allows("a.md"))
	assert.False(t, s.Allows("a.txt"))

	s.Reset([]string{"**/*.txt"}, nil)
	assert.False(t, s.Allows("a.md"))
	assert.True(t, s.Allows("a.txt"))
}

func TestBlankAndCommentPatternsAreSkipped(t *testing.T) {
	s := New([]string{"", "# just a comment", "**/*.md"}, nil)

	assert.True(t, s.Allows("a.md"))
	assert.False(t, s.Allows("# just a comment"))
}
