package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Section is a detected heading and the rune offset where its line starts
type Section struct {
	Title string
	Start int
}

var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d+(?:\.\d+)*\.?\s+[A-Z].{0,100}$`),
	regexp.MustCompile(`^Section\s+\d+:\s+[A-Z].{0,100}$`),
	regexp.MustCompile(`^#{1,3}\s+[A-Z].{0,100}$`),
	regexp.MustCompile(`^[A-Z][A-Z\s]{10,100}$`),
}

var numberedHeading = headingPatterns[0]

var markdownPrefix = regexp.MustCompile(`^#{1,3}\s+`)

// sectionKeywords are headings common in care and workplace policies
var sectionKeywords = map[string]bool{
	"purpose":          true,
	"scope":            true,
	"definitions":      true,
	"responsibilities": true,
	"procedure":        true,
	"procedures":       true,
	"policy statement": true,
	"training":         true,
	"monitoring":       true,
	"review":           true,
	"references":       true,
	"related policies": true,
	"reporting":        true,
	"escalation":       true,
	"introduction":     true,
	"appendix":         true,
}

// DetectSections finds heading lines in text. Headings with no body before the next
// heading are dropped.
func DetectSections(text string) []Section {
	type heading struct {
		title      string
		start, end int // rune offsets of the line
	}

	var found []heading
	pos := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		lineRunes := utf8.RuneCountInString(line)
		if title, ok := headingTitle(strings.TrimSpace(line)); ok {
			found = append(found, heading{title: title, start: pos, end: pos + lineRunes})
		}
		pos += lineRunes
	}

	runes := []rune(text)
	sections := make([]Section, 0, len(found))
	for i, h := range found {
		bodyEnd := len(runes)
		if i+1 < len(found) {
			bodyEnd = found[i+1].start
		}
		if h.end >= bodyEnd || strings.TrimSpace(string(runes[h.end:bodyEnd])) == "" {
			continue
		}
		sections = append(sections, Section{Title: h.title, Start: h.start})
	}
	return sections
}

func headingTitle(line string) (string, bool) {
	if line == "" || utf8.RuneCountInString(line) > 120 {
		return "", false
	}

	if keyword := strings.ToLower(strings.TrimSuffix(line, ":")); sectionKeywords[keyword] {
		return strings.TrimSuffix(line, ":"), true
	}

	for _, p := range headingPatterns {
		if !p.MatchString(line) {
			continue
		}
		// numbered list items read as sentences, not headings
		if p == numberedHeading && strings.HasSuffix(line, ".") {
			return "", false
		}
		return strings.TrimSpace(markdownPrefix.ReplaceAllString(line, "")), true
	}
	return "", false
}

// sectionAt returns the title of the last section starting at or before offset
func sectionAt(sections []Section, offset int) *string {
	var title *string
	for i := range sections {
		if sections[i].Start > offset {
			break
		}
		t := sections[i].Title
		title = &t
	}
	return title
}
