// Package extract turns uploaded study documents into plain text suitable
// for note-grounded quiz generation.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Content types accepted by Extract.
const (
	TypePDF  = "pdf"
	TypeHTML = "html"
	TypeText = "text"
)

// Extractor implements document extraction. The zero value is ready to use.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract converts a raw document to normalized plain text. An empty
// contentType is sniffed from the document bytes.
func (e *Extractor) Extract(contentType string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty document")
	}
	if contentType == "" {
		contentType = sniff(content)
	}

	switch contentType {
	case TypePDF:
		return extractPDF(content)
	case TypeHTML:
		return extractHTML(content)
	case TypeText:
		return collapseWhitespace(string(content)), nil
	}
	return "", fmt.Errorf("unsupported content type %q", contentType)
}

// sniff guesses the document type from its leading bytes.
func sniff(content []byte) string {
	if bytes.HasPrefix(content, []byte("%PDF-")) {
		return TypePDF
	}
	head := strings.ToLower(string(content[:min(len(content), 2048)]))
	trimmed := strings.TrimSpace(head)
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") ||
		(strings.Contains(head, "<html") && strings.Contains(head, "<body")) {
		return TypeHTML
	}
	return TypeText
}

func extractPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("reading pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return collapseWhitespace(string(raw)), nil
}

// extractHTML walks the token stream and keeps text nodes, skipping
// script and style subtrees entirely.
func extractHTML(content []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(content))

	var b strings.Builder
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return collapseWhitespace(b.String()), nil
			}
			return "", fmt.Errorf("parsing html: %w", z.Err())

		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedTag(string(name)) {
				skipDepth++
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if skippedTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}

		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func skippedTag(name string) bool {
	switch name {
	case "script", "style", "noscript", "head":
		return true
	}
	return false
}

var whitespaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// collapseWhitespace normalizes runs of spaces and excess blank lines while
// keeping paragraph breaks.
func collapseWhitespace(s string) string {
	s = whitespaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
