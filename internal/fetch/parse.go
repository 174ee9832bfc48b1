// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pdiddy/docbatch/pkg/types"
)

// stripFences removes a surrounding Markdown code fence and any prose
// before the first '{' or after the last '}'.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// parseArtifact decodes and validates the model output for kind into the
// matching field of set.
func parseArtifact(kind types.ArtifactKind, text string, set *types.ResultSet) error {
	body := stripFences(text)
	if body == "" {
		return fmt.Errorf("empty response")
	}
	switch kind {
	case types.ArtifactNotes:
		var v types.ConceptNotes
		if err := decode(body, &v); err != nil {
			return err
		}
		set.Notes = &v
	case types.ArtifactFlashcards:
		var v types.FlashcardDeck
		if err := decode(body, &v); err != nil {
			return err
		}
		set.Flashcards = &v
	case types.ArtifactSummary:
		var v types.ParetoSummary
		if err := decode(body, &v); err != nil {
			return err
		}
		set.Summary = &v
	default:
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	return nil
}

type validator interface {
	Validate() error
}

func decode(body string, v validator) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}
	return v.Validate()
}
