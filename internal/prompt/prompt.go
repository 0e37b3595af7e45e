// Package prompt renders the task briefings handed to agents: the main
// challenge prompt staged into each workspace and the deliverable
// regeneration prompt used after a win without a writeup.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// ChallengeData feeds the main challenge prompt.
type ChallengeData struct {
	Name           string
	Category       string
	Points         int
	Description    string
	ConnectionInfo string
	Hints          []string
	Files          []string
	WrongFlags     []string
	Round          int
}

// WriteupData feeds the deliverable regeneration prompt.
type WriteupData struct {
	Name string
	Flag string
	// LogExcerpt is the tail of the winning run's captured output.
	LogExcerpt string
}

const challengeTemplate = `# Challenge: {{.Name}}
{{- if .Category}}
Category: {{.Category}}{{if .Points}} ({{.Points}} points){{end}}
{{- end}}
{{- if gt .Round 1}}
This is attempt round {{.Round}}. Earlier rounds did not solve it; dig deeper than the obvious approach.
{{- end}}

## Description
{{.Description}}
{{- if .ConnectionInfo}}

## Connection
{{.ConnectionInfo}}
{{- end}}
{{- if .Files}}

## Provided files
The following files are in ./chall:
{{- range .Files}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Hints}}

## Hints
{{- range .Hints}}
- {{.}}
{{- end}}
{{- end}}
{{- if .WrongFlags}}

## Already rejected flags
Do NOT submit any of these again:
{{- range .WrongFlags}}
- {{.}}
{{- end}}
{{- end}}

## Rules
- Work inside ./try; the challenge files in ./chall are read only.
- When you find the flag, submit it with: ./submit_flag.sh '<flag>'
  The script verifies it against the platform and prints the verdict.
- After a confirmed solve, write a full walkthrough to ./WriteUp/writeup.md.
- Record dead ends in ./SharedInfo/approaches.txt as you go.
`

const writeupTemplate = `# Writeup regeneration: {{.Name}}

The challenge was already solved with the flag {{.Flag}}.
Reconstruct a clear, complete walkthrough and save it to ./WriteUp/writeup.md.
Base it on the solving session log below; do not attempt the challenge again.

## Session log
{{.LogExcerpt}}
`

// Renderer renders agent briefings.
type Renderer struct {
	challenge *template.Template
	writeup   *template.Template
}

// NewRenderer creates a Renderer with the built-in templates.
func NewRenderer() *Renderer {
	return &Renderer{
		challenge: template.Must(template.New("challenge").Parse(challengeTemplate)),
		writeup:   template.Must(template.New("writeup").Parse(writeupTemplate)),
	}
}

// Challenge renders the main prompt for one round.
func (r *Renderer) Challenge(d ChallengeData) (string, error) {
	var b strings.Builder
	if err := r.challenge.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render challenge prompt: %w", err)
	}
	return b.String(), nil
}

// Writeup renders the regeneration prompt.
func (r *Renderer) Writeup(d WriteupData) (string, error) {
	var b strings.Builder
	if err := r.writeup.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render writeup prompt: %w", err)
	}
	return b.String(), nil
}
