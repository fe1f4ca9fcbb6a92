// Package knowledge loads the markdown policy corpus and answers relevance
// queries for the knowledge-augmented investigator.
//
// The index is built once at startup and is immutable afterwards; refreshing
// the corpus requires a process restart. Reads are therefore lock-free.
package knowledge

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	scoreHeadingExact   = 3
	scoreHeadingOverlap = 2
	scoreBodyOverlap    = 1

	minTokenLen = 3
)

// Section is one heading-delimited slice of a corpus document.
type Section struct {
	DocID     string `json:"doc_id"`
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Score     int    `json:"score,omitempty"`
}

type indexedSection struct {
	Section
	headingNorm string
	topicTokens map[string]struct{} // heading + first sentence
	bodyTokens  map[string]struct{}
}

// Index holds the segmented corpus in document-filename order.
type Index struct {
	topK     int
	docs     int
	sections []indexedSection
}

// Load reads every .md file under dir and segments it by markdown headings.
// A missing or empty directory yields a working index that answers every
// query with no results.
func Load(fsys afero.Fs, dir string, topK int, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topK <= 0 {
		topK = 3
	}
	ix := &Index{topK: topK}

	exists, err := afero.DirExists(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to probe knowledge dir: %w", err)
	}
	if !exists {
		logger.Warn("knowledge directory missing, corpus is empty", zap.String("dir", dir))
		return ix, nil
	}

	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := afero.ReadFile(fsys, filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read knowledge document %s: %w", name, err)
		}
		ix.addDocument(name, string(data))
		ix.docs++
	}

	logger.Info("knowledge corpus loaded",
		zap.String("dir", dir),
		zap.Int("documents", ix.docs),
		zap.Int("sections", len(ix.sections)))
	return ix, nil
}

// Query returns the top K sections relevant to topic, highest score first.
// Ties keep document-filename order so results are deterministic.
func (ix *Index) Query(topic string) []Section {
	topic = strings.TrimSpace(topic)
	if topic == "" || len(ix.sections) == 0 {
		return nil
	}
	topicNorm := strings.ToLower(topic)
	topicTokens := tokenize(topic)

	type scored struct {
		section Section
		score   int
		pos     int
	}
	var hits []scored
	for pos, s := range ix.sections {
		score := 0
		switch {
		case strings.Contains(s.headingNorm, topicNorm):
			score += scoreHeadingExact
		case overlaps(topicTokens, s.topicTokens):
			score += scoreHeadingOverlap
		}
		if overlaps(topicTokens, s.bodyTokens) {
			score += scoreBodyOverlap
		}
		if score == 0 {
			continue
		}
		hits = append(hits, scored{section: s.Section, score: score, pos: pos})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pos < hits[j].pos
	})
	if len(hits) > ix.topK {
		hits = hits[:ix.topK]
	}

	out := make([]Section, len(hits))
	for i, h := range hits {
		out[i] = h.section
		out[i].Score = h.score
	}
	return out
}

// Stats returns the number of loaded documents and sections.
func (ix *Index) Stats() (docs, sections int) {
	return ix.docs, len(ix.sections)
}

// HasSection reports whether a section id exists; citations in agentic
// findings are checked against this.
func (ix *Index) HasSection(sectionID string) bool {
	for _, s := range ix.sections {
		if s.SectionID == sectionID {
			return true
		}
	}
	return false
}

func (ix *Index) addDocument(name, content string) {
	heading := strings.TrimSuffix(name, ".md")
	var body strings.Builder
	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if text == "" {
			return
		}
		ix.sections = append(ix.sections, newSection(name, heading, text))
	}

	for _, line := range strings.Split(content, "\n") {
		if h := strings.TrimLeft(line, "#"); strings.HasPrefix(line, "#") && strings.TrimSpace(h) != "" {
			flush()
			heading = strings.TrimSpace(h)
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
}

func newSection(docID, heading, body string) indexedSection {
	tokens := tokenize(heading)
	for tok := range tokenize(firstSentence(body)) {
		tokens[tok] = struct{}{}
	}
	return indexedSection{
		Section: Section{
			DocID:     docID,
			SectionID: slugify(docID) + "/" + slugify(heading),
			Title:     heading,
			Body:      body,
		},
		headingNorm: strings.ToLower(heading),
		topicTokens: tokens,
		bodyTokens:  tokenize(body),
	}
}

func firstSentence(body string) string {
	for i, r := range body {
		if r == '.' || r == '\n' {
			return body[:i]
		}
	}
	return body
}

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	var buf strings.Builder
	flush := func() {
		if buf.Len() >= minTokenLen {
			out[strings.ToLower(buf.String())] = struct{}{}
		}
		buf.Reset()
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			buf.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func overlaps(a, b map[string]struct{}) bool {
	for tok := range a {
		if _, ok := b[tok]; ok {
			return true
		}
	}
	return false
}

func slugify(s string) string {
	var buf strings.Builder
	for _, r := range strings.ToLower(strings.TrimSuffix(s, ".md")) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			buf.WriteRune(r)
		case buf.Len() > 0 && buf.String()[buf.Len()-1] != '_':
			buf.WriteRune('_')
		}
	}
	return strings.Trim(buf.String(), "_")
}
