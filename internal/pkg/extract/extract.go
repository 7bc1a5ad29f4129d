package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	MimePlain    = "text/plain"
	MimeCSV      = "text/csv"
	MimeMarkdown = "text/markdown"
	MimeHTML     = "text/html"
	MimePDF      = "application/pdf"
	MimeEPUB     = "application/epub+zip"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var ErrUnsupportedType = errors.New("unsupported content type")

// Document is extracted plain text. Parts counts the natural sub-documents
// of the source: pages, rows, sheets or chapters.
type Document struct {
	Text  string
	Parts int
}

func Supported(mimeType string) bool {
	switch normalize(mimeType) {
	case MimePlain, MimeCSV, MimeMarkdown, MimeHTML, MimePDF, MimeEPUB, MimeDOCX, MimeXLSX:
		return true
	}
	return false
}

var extensionTypes = map[string]string{
	".txt":  MimePlain,
	".text": MimePlain,
	".md":   MimeMarkdown,
	".csv":  MimeCSV,
	".htm":  MimeHTML,
	".html": MimeHTML,
	".pdf":  MimePDF,
	".epub": MimeEPUB,
	".docx": MimeDOCX,
	".xlsx": MimeXLSX,
}

// DetectMimeType trusts a declared supported type and otherwise falls back
// to the file extension. Browsers often declare octet-stream for uploads.
func DetectMimeType(filename, declared string) string {
	declared = normalize(declared)
	if Supported(declared) {
		return declared
	}
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return declared
}

// Text extracts plain text from data according to its mime type.
func Text(data []byte, mimeType string) (*Document, error) {
	switch normalize(mimeType) {
	case MimePlain, MimeMarkdown:
		return &Document{Text: string(data), Parts: 1}, nil
	case MimeHTML:
		text, err := htmlText(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return &Document{Text: text, Parts: 1}, nil
	case MimeCSV:
		return csvText(data)
	case MimePDF:
		return pdfText(data)
	case MimeDOCX:
		return docxText(data)
	case MimeXLSX:
		return xlsxText(data)
	case MimeEPUB:
		return epubText(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
}

func normalize(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func pdfText(data []byte) (*Document, error) {
	if len(data) == 0 {
		return &Document{}, nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf failed: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("read pdf text failed: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("read pdf text failed: %w", err)
	}
	return &Document{Text: string(out), Parts: reader.NumPage()}, nil
}
