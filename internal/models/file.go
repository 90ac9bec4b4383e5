package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

const pdfPlaceholder = "[PDF file: %s]\n\nPDF contents are not available yet. " +
	"Please attach text files (.txt, .md) instead."

// FileText converts an uploaded file to the text injected into the prompt. PDF files are replaced by a
// placeholder; anything else is taken as text. A missing MIME type falls back to text/<ext>, or to
// text/plain for a file without extension.
func FileText(name, mimeType string, data []byte) AttachedFile {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))

	if strings.Contains(mimeType, "pdf") || ext == "pdf" {
		if mimeType == "" {
			mimeType = "application/pdf"
		}
		return AttachedFile{
			Name: name,
			Type: mimeType,
			Text: fmt.Sprintf(pdfPlaceholder, name),
		}
	}

	if mimeType == "" {
		mimeType = "text/plain"
		if ext != "" {
			mimeType = "text/" + ext
		}
	}
	return AttachedFile{
		Name: name,
		Type: mimeType,
		Text: string(data),
	}
}
