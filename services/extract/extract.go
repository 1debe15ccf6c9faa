package extract

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/upb/policy-rag/services"
)

// Supported content types
const (
	ContentTypePDF      = "application/pdf"
	ContentTypeText     = "text/plain"
	ContentTypeMarkdown = "text/markdown"
)

// ExtractText returns the raw text of an uploaded document.
// contentType may be empty, in which case the filename extension decides.
func ExtractText(data []byte, contentType, filename string) (string, error) {
	switch resolveType(contentType, filename, data) {
	case ContentTypePDF:
		return ExtractPDF(data)
	case ContentTypeText, ContentTypeMarkdown:
		if !utf8.Valid(data) {
			return "", services.NewExtractionFailure("document is not valid UTF-8 text", nil)
		}
		text := string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
		if strings.TrimSpace(text) == "" {
			return "", services.NewExtractionFailure("document contains no text", nil)
		}
		return text, nil
	}
	return "", services.NewExtractionFailure(fmt.Sprintf("unsupported content type %q", contentType), nil)
}

func resolveType(contentType, filename string, data []byte) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case ContentTypePDF, ContentTypeText, ContentTypeMarkdown:
		return ct
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return ContentTypePDF
	case ".txt", ".text":
		return ContentTypeText
	case ".md", ".markdown":
		return ContentTypeMarkdown
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return ContentTypePDF
	}
	if ct == "" || ct == "application/octet-stream" {
		return ContentTypeText
	}
	return ct
}

// ExtractPDF reads every page content stream and collects the shown text.
// Scanned or image-only PDFs yield an ExtractionFailure.
func ExtractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", services.NewExtractionFailure("failed to parse PDF", fmt.Errorf("%v", r))
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return "", services.NewExtractionFailure("failed to read PDF", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return "", services.NewExtractionFailure("invalid PDF", err)
	}

	var sb strings.Builder
	for page := 1; page <= ctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil {
			return "", services.NewExtractionFailure(fmt.Sprintf("failed to read page %d", page), err)
		}
		if r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return "", services.NewExtractionFailure(fmt.Sprintf("failed to read page %d", page), err)
		}
		if pageText := contentText(content); strings.TrimSpace(pageText) != "" {
			sb.WriteString(pageText)
			sb.WriteString("\n\n")
		}
	}

	if strings.TrimSpace(sb.String()) == "" {
		return "", services.NewExtractionFailure("PDF contains no extractable text", nil)
	}
	return sb.String(), nil
}

var (
	headerFooterLine = regexp.MustCompile(`(?im)^.*?\|.*?\|.*?Page\s+\d+.*?$`)
	pageNumberLine   = regexp.MustCompile(`(?m)^[ \t]*\d+[ \t]*$`)
	pageOfFragment   = regexp.MustCompile(`(?i)Page\s+\d+\s+of\s+\d+`)
	spaceRun         = regexp.MustCompile(` +`)
	trailingSpace    = regexp.MustCompile(`(?m) +$`)
	blankLines       = regexp.MustCompile(`\n{3,}`)
)

// Clean strips running headers, footers and page numbers and normalizes whitespace
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\t", " ")
	text = headerFooterLine.ReplaceAllString(text, "")
	text = pageNumberLine.ReplaceAllString(text, "")
	text = pageOfFragment.ReplaceAllString(text, "")
	text = spaceRun.ReplaceAllString(text, " ")
	text = trailingSpace.ReplaceAllString(text, "")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
