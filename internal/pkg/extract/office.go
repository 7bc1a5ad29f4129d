package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"
)

func csvText(data []byte) (*Document, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header failed: %w", err)
	}

	var rows []string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row failed: %w", err)
		}
		var b strings.Builder
		for i, value := range record {
			name := fmt.Sprintf("column%d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				name = strings.TrimSpace(header[i])
			}
			fmt.Fprintf(&b, "%s: %s\n", name, strings.TrimSpace(value))
		}
		rows = append(rows, strings.TrimRight(b.String(), "\n"))
	}
	return &Document{Text: strings.Join(rows, "\n\n"), Parts: len(rows)}, nil
}

// docx content is the raw document.xml; paragraphs end with </w:p>.
func docxText(data []byte) (*Document, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx failed: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(doc.Editable().GetContent()))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return &Document{Text: strings.TrimSpace(b.String()), Parts: 1}, nil
			}
			return nil, fmt.Errorf("parse docx xml failed: %w", z.Err())
		case html.TextToken:
			b.Write(z.Text())
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "w:p" {
				b.WriteString("\n")
			}
		case html.SelfClosingTagToken, html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "w:tab":
				b.WriteString("\t")
			case "w:br":
				b.WriteString("\n")
			}
		}
	}
}

func xlsxText(data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx failed: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	parts := make([]string, 0, len(sheets))
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s failed: %w", sheet, err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n", sheet)
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				cells = append(cells, strings.TrimSpace(cell))
			}
			line := strings.TrimRight(strings.Join(cells, "\t"), "\t")
			if line != "" {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	return &Document{Text: strings.Join(parts, "\n\n"), Parts: len(sheets)}, nil
}
