// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package submit

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/pdiddy/docbatch/pkg/types"
)

// promptData is the input of every prompt template.
type promptData struct {
	Name string
}

const jsonOnly = `Respond with a single JSON object that matches the schema below. Do not include any text outside the JSON object.`

var notesPromptTmpl = template.Must(template.New("notes").Parse(`You are building a personal knowledge base from the attached technical document "{{.Name}}".

Extract the atomic concepts a practitioner needs to understand the material. For each concept provide:
- title: a short, unique, title-cased name for the concept (it becomes a note filename)
- body: a self-contained explanation in Markdown, two to six paragraphs, with examples where the document gives them
- related: titles of other concepts from this document that the concept depends on or is commonly confused with

Prefer fewer, deeper concepts over many shallow ones. Reuse the exact title of a concept when referring to it in related.

` + jsonOnly + `

Schema:
{"concepts": [{"title": "string", "body": "string", "related": ["string"]}]}
`))

var flashcardsPromptTmpl = template.Must(template.New("flashcards").Parse(`You are writing spaced-repetition flashcards for the attached technical document "{{.Name}}".

Write cards that test understanding rather than recall of wording. For each card provide:
- question: one precise question
- answer: a concise answer, at most three sentences
- difficulty: one of "easy", "medium", "hard"

Cover every major section of the document. Avoid yes/no questions.

` + jsonOnly + `

Schema:
{"cards": [{"question": "string", "answer": "string", "difficulty": "easy|medium|hard"}]}
`))

var summaryPromptTmpl = template.Must(template.New("summary").Parse(`You are writing a Pareto summary of the attached technical document "{{.Name}}": the 20% of the material that delivers 80% of the value.

Provide:
- must_know: the essential ideas, each one sentence
- should_know: useful but secondary ideas
- common_mistakes: misunderstandings and pitfalls the document warns about or implies
- learning_path: ordered stages, each with a stage number starting at 1, a title, and the topics to study in that stage

` + jsonOnly + `

Schema:
{"must_know": ["string"], "should_know": ["string"], "common_mistakes": ["string"], "learning_path": [{"stage": 1, "title": "string", "topics": ["string"]}]}
`))

var promptTemplates = map[types.ArtifactKind]*template.Template{
	types.ArtifactNotes:      notesPromptTmpl,
	types.ArtifactFlashcards: flashcardsPromptTmpl,
	types.ArtifactSummary:    summaryPromptTmpl,
}

// RenderPrompt executes the prompt template for kind.
func RenderPrompt(kind types.ArtifactKind, name string) (string, error) {
	tmpl, ok := promptTemplates[kind]
	if !ok {
		return "", fmt.Errorf("no prompt for artifact kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptData{Name: name}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
