// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package vault

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docbatch/pkg/types"
)

// Generator is written into the frontmatter of every page docbatch owns.
const Generator = "docbatch"

// Frontmatter is the YAML header of a vault page.
type Frontmatter struct {
	Source    string   `yaml:"source"`
	Generator string   `yaml:"generator"`
	Type      string   `yaml:"type"`
	Tags      []string `yaml:"tags"`
}

// page is one rendered file, its path relative to the vault root.
type page struct {
	Path    string
	Link    string
	Content []byte
}

func renderPage(fm Frontmatter, body string) ([]byte, error) {
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshaling frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimRight(body, "\n"))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// parseFrontmatter returns the frontmatter of a page, or ok=false when the
// page has none.
func parseFrontmatter(data []byte) (Frontmatter, bool) {
	var fm Frontmatter
	s := string(data)
	if !strings.HasPrefix(s, "---\n") {
		return fm, false
	}
	end := strings.Index(s[4:], "\n---")
	if end < 0 {
		return fm, false
	}
	if err := yaml.Unmarshal([]byte(s[4:4+end]), &fm); err != nil {
		return fm, false
	}
	return fm, true
}

// fileName turns a title into a safe page name.
func fileName(title string) string {
	r := strings.NewReplacer(
		"/", "-", "\\", "-", ":", " -", "*", "", "?", "", "\"", "'",
		"<", "", ">", "", "|", "-", "#", "", "^", "", "[", "(", "]", ")",
	)
	return strings.Trim(strings.Join(strings.Fields(r.Replace(title)), " "), " .")
}

func tag(s string) string {
	return strings.ReplaceAll(strings.ToLower(fileName(s)), " ", "-")
}

func renderConcept(c types.Concept, source string, resolve func(string) (string, bool)) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(c.Title))
	b.WriteString(strings.TrimSpace(c.Body))
	b.WriteString("\n")
	if len(c.Related) > 0 {
		b.WriteString("\n## Related\n\n")
		for _, rel := range c.Related {
			if target, ok := resolve(rel); ok {
				fmt.Fprintf(&b, "- [[%s]]\n", target)
			} else {
				fmt.Fprintf(&b, "- %s\n", rel)
			}
		}
	}
	fmt.Fprintf(&b, "\nSource: [[%s]]\n", source)
	return b.String()
}

func renderFlashcards(deck types.FlashcardDeck, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Flashcards: %s\n\n#flashcards/%s\n", name, tag(name))
	for _, c := range deck.Cards {
		fmt.Fprintf(&b, "\n%s\n?\n%s\n#difficulty/%s\n", oneLine(c.Question), strings.TrimSpace(c.Answer), c.Difficulty)
	}
	return b.String()
}

// oneLine keeps a card question on the single line the review markup needs.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func renderList(title string, items []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(it))
	}
	return b.String()
}

func renderShouldKnow(s types.ParetoSummary) string {
	var b strings.Builder
	b.WriteString(renderList("Should Know", s.ShouldKnow))
	if len(s.CommonMistakes) > 0 {
		b.WriteString("\n## Common Mistakes\n\n")
		for _, m := range s.CommonMistakes {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(m))
		}
	}
	return b.String()
}

func renderLearningPath(path []types.LearningStage) string {
	var b strings.Builder
	b.WriteString("# Learning Path\n")
	for i, st := range path {
		n := st.Stage
		if n == 0 {
			n = i + 1
		}
		fmt.Fprintf(&b, "\n## Stage %d: %s\n\n", n, strings.TrimSpace(st.Title))
		for _, topic := range st.Topics {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(topic))
		}
	}
	return b.String()
}

func renderIndex(rec types.DocumentRecord, links []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rec.Name)
	fmt.Fprintf(&b, "- File: %s\n", filepath.Base(rec.SourcePath))
	if rec.Metadata.Pages > 0 {
		fmt.Fprintf(&b, "- Pages: %d\n", rec.Metadata.Pages)
	}
	fmt.Fprintf(&b, "- Estimated cost: $%.4f\n", rec.Metadata.CostEstimated)
	if rec.Metadata.CostActual > 0 {
		fmt.Fprintf(&b, "- Actual cost: $%.4f\n", rec.Metadata.CostActual)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "- Note: %s\n", rec.Error)
	}
	b.WriteString("\n## Pages\n\n")
	for _, l := range links {
		fmt.Fprintf(&b, "- [[%s]]\n", l)
	}
	return b.String()
}
