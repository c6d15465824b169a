// Package chunker splits markdown documents into heading sections and
// bounded-size pieces for extraction.
package chunker

import (
	"strings"
)

// DefaultMaxSize bounds the text sent to the completion capability in one
// call.
const DefaultMaxSize = 6000

// Section is a heading and the text under it, up to the next heading.
type Section struct {
	Title     string `json:"title"`
	Level     int    `json:"level"`
	Text      string `json:"text"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// Piece is a bounded slice of a section.
type Piece struct {
	Text      string
	StartLine int
	EndLine   int
}

// Sections splits markdown on ATX headings. Text before the first heading
// becomes an untitled level 1 section; a document without headings is a
// single section. Headings inside fenced code blocks do not split.
func Sections(text string) []Section {
	text = strings.TrimRight(text, " \t\r\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var out []Section
	cur := Section{Level: 1, StartLine: 1}
	var body []string
	flush := func(end int) {
		t := strings.TrimSpace(strings.Join(body, "\n"))
		if t != "" {
			cur.Text = t
			cur.EndLine = end
			out = append(out, cur)
		}
		body = nil
	}

	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if level, title, ok := heading(trimmed); ok {
				flush(i)
				cur = Section{Title: title, Level: level, StartLine: i + 1}
			}
		}
		body = append(body, line)
	}
	flush(len(lines))
	return out
}

// heading parses "## Title" into (2, "Title").
func heading(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	rest := line[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", false
	}
	title := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(rest), "#"))
	return level, title, true
}

// Split breaks text longer than maxSize on paragraph boundaries, falling
// back to line boundaries for oversized paragraphs. firstLine is the line
// number of the first line of text.
func Split(text string, firstLine, maxSize int) []Piece {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxSize {
		return []Piece{{Text: text, StartLine: firstLine, EndLine: firstLine + strings.Count(text, "\n")}}
	}

	var pieces []Piece
	var acc []string
	accStart, accLen := firstLine, 0
	emit := func(end int) {
		t := strings.TrimSpace(strings.Join(acc, "\n"))
		if t != "" {
			pieces = append(pieces, Piece{Text: t, StartLine: accStart, EndLine: end})
		}
		acc, accLen = nil, 0
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		n := firstLine + i
		paragraphEnd := strings.TrimSpace(line) == "" && accLen >= maxSize/2
		if len(acc) > 0 && (accLen+len(line) > maxSize || paragraphEnd) {
			emit(n - 1)
			accStart = n
		}
		if len(acc) == 0 && strings.TrimSpace(line) == "" {
			accStart = n + 1
			continue
		}
		acc = append(acc, line)
		accLen += len(line) + 1
	}
	emit(firstLine + len(lines) - 1)
	return pieces
}
