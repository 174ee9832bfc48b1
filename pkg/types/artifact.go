// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"strings"
)

// Concept is one atomic note extracted from a document.
type Concept struct {
	Title   string   `json:"title" yaml:"title"`
	Body    string   `json:"body" yaml:"body"`
	Related []string `json:"related,omitempty" yaml:"related,omitempty"`
}

// ConceptNotes is the notes artifact.
type ConceptNotes struct {
	Concepts []Concept `json:"concepts" yaml:"concepts"`
}

// Validate checks that there is at least one concept and every concept has a
// title and a body.
func (n ConceptNotes) Validate() error {
	if len(n.Concepts) == 0 {
		return fmt.Errorf("notes: no concepts")
	}
	for i, c := range n.Concepts {
		if strings.TrimSpace(c.Title) == "" {
			return fmt.Errorf("notes: concept %d has empty title", i)
		}
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("notes: concept %q has empty body", c.Title)
		}
	}
	return nil
}

// Difficulty classifies a flashcard.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Flashcard is a question/answer pair.
type Flashcard struct {
	Question   string     `json:"question" yaml:"question"`
	Answer     string     `json:"answer" yaml:"answer"`
	Difficulty Difficulty `json:"difficulty" yaml:"difficulty"`
}

// FlashcardDeck is the flashcards artifact.
type FlashcardDeck struct {
	Cards []Flashcard `json:"cards" yaml:"cards"`
}

// Validate checks every card for a question, an answer, and a known difficulty.
func (d FlashcardDeck) Validate() error {
	if len(d.Cards) == 0 {
		return fmt.Errorf("flashcards: no cards")
	}
	for i, c := range d.Cards {
		if strings.TrimSpace(c.Question) == "" || strings.TrimSpace(c.Answer) == "" {
			return fmt.Errorf("flashcards: card %d missing question or answer", i)
		}
		switch c.Difficulty {
		case DifficultyEasy, DifficultyMedium, DifficultyHard:
		default:
			return fmt.Errorf("flashcards: card %d has invalid difficulty %q", i, c.Difficulty)
		}
	}
	return nil
}

// LearningStage is one step of a staged learning path.
type LearningStage struct {
	Stage  int      `json:"stage" yaml:"stage"`
	Title  string   `json:"title" yaml:"title"`
	Topics []string `json:"topics" yaml:"topics"`
}

// ParetoSummary is the summary artifact: the 20% of the material that
// carries 80% of the value.
type ParetoSummary struct {
	MustKnow       []string        `json:"must_know" yaml:"must_know"`
	ShouldKnow     []string        `json:"should_know" yaml:"should_know"`
	CommonMistakes []string        `json:"common_mistakes" yaml:"common_mistakes"`
	LearningPath   []LearningStage `json:"learning_path" yaml:"learning_path"`
}

// Validate requires must-know items and a well-formed learning path.
func (p ParetoSummary) Validate() error {
	if len(p.MustKnow) == 0 {
		return fmt.Errorf("summary: no must-know items")
	}
	for i, s := range p.LearningPath {
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("summary: learning stage %d has empty title", i)
		}
	}
	return nil
}

// ResultSet holds whichever artifacts of a document parsed successfully.
// A nil field means the artifact is absent.
type ResultSet struct {
	Notes      *ConceptNotes  `json:"notes,omitempty" yaml:"notes,omitempty"`
	Flashcards *FlashcardDeck `json:"flashcards,omitempty" yaml:"flashcards,omitempty"`
	Summary    *ParetoSummary `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Empty reports whether no artifact is present.
func (r ResultSet) Empty() bool {
	return r.Notes == nil && r.Flashcards == nil && r.Summary == nil
}
