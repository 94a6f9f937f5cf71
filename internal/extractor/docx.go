package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// ExtractDOCX returns the non-empty paragraphs of a DOCX document in order.
func ExtractDOCX(data []byte) ([]string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read docx: %w", err)
	}
	defer r.Close()

	return splitDOCXParagraphs(r.Editable().GetContent()), nil
}

// splitDOCXParagraphs splits DOCX XML content by <w:p> paragraph tags
// and strips all XML tags from each paragraph, returning clean text.
func splitDOCXParagraphs(xmlStr string) []string {
	var raw []string
	for i, part := range strings.Split(xmlStr, "<w:p") {
		// "<w:pPr>" and "<w:proofErr/>" continue the current paragraph.
		if i > 0 && len(raw) > 0 && len(part) > 0 && part[0] != '>' && part[0] != ' ' && part[0] != '/' {
			raw[len(raw)-1] += stripTags("<w:p" + part)
			continue
		}
		raw = append(raw, stripTags(part))
	}

	var paragraphs []string
	for _, p := range raw {
		cleaned := strings.TrimSpace(unescapeXML(p))
		if cleaned != "" {
			paragraphs = append(paragraphs, cleaned)
		}
	}
	return paragraphs
}

func stripTags(xmlStr string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range xmlStr {
		if r == '<' {
			inTag = true
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}
