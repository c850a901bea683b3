package notes

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Matches the first ATX heading: # Title
	titlePattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

	// Matches YAML frontmatter at the top of a note.
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)

	// Matches a frontmatter title field.
	frontmatterTitlePattern = regexp.MustCompile(`(?m)^title:\s*["']?(.+?)["']?\s*$`)

	// Matches wiki links: [[Target]] or [[Target|alias]]
	wikiLinkPattern = regexp.MustCompile(`\[\[([^\]|#]+)(?:#[^\]|]*)?(?:\|[^\]]*)?\]\]`)

	// Matches markdown links to local .md files: [text](other.md)
	mdLinkPattern = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+\.md)\)`)
)

// extractTitle resolves a display title: frontmatter title, then the first
// heading, then the filename stem.
func extractTitle(path, text string) string {
	if fm := frontmatterPattern.FindStringSubmatch(text); fm != nil {
		if m := frontmatterTitlePattern.FindStringSubmatch(fm[1]); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if m := titlePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// extractLinks collects outgoing link targets from a note body.
// Wiki links keep their bare target name; markdown links keep the relative
// file path. Duplicates are removed, order of first appearance preserved.
func extractLinks(text string) []string {
	seen := make(map[string]struct{})
	var links []string

	add := func(target string) {
		target = strings.TrimSpace(target)
		if target == "" {
			return
		}
		if _, ok := seen[target]; ok {
			return
		}
		seen[target] = struct{}{}
		links = append(links, target)
	}

	for _, m := range wikiLinkPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range mdLinkPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	return links
}
