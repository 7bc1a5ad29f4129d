package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Manifest []struct {
		ID   string `xml:"id,attr"`
		Href string `xml:"href,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// epubText reads chapters in spine order, falling back to name order when
// the package document is missing.
func epubText(data []byte) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open epub failed: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	chapters := spineOrder(files)
	parts := make([]string, 0, len(chapters))
	for _, name := range chapters {
		f, ok := files[name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open epub chapter %s failed: %w", name, err)
		}
		text, err := htmlText(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("parse epub chapter %s failed: %w", name, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return &Document{Text: strings.Join(parts, "\n\n"), Parts: len(parts)}, nil
}

func spineOrder(files map[string]*zip.File) []string {
	var container epubContainer
	if err := decodeXML(files["META-INF/container.xml"], &container); err == nil && len(container.Rootfiles) > 0 {
		opfPath := container.Rootfiles[0].FullPath
		var pkg epubPackage
		if err := decodeXML(files[opfPath], &pkg); err == nil && len(pkg.Spine) > 0 {
			hrefs := make(map[string]string, len(pkg.Manifest))
			for _, item := range pkg.Manifest {
				hrefs[item.ID] = item.Href
			}
			base := path.Dir(opfPath)
			ordered := make([]string, 0, len(pkg.Spine))
			for _, ref := range pkg.Spine {
				if href, ok := hrefs[ref.IDRef]; ok {
					ordered = append(ordered, path.Join(base, href))
				}
			}
			return ordered
		}
	}

	var names []string
	for name := range files {
		lower := strings.ToLower(name)
		if strings.HasSuffix(lower, ".xhtml") || strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func decodeXML(f *zip.File, v any) error {
	if f == nil {
		return errors.New("missing file")
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// htmlText flattens markup to text, breaking lines on block elements and
// skipping script and style bodies.
func htmlText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return collapseBlankLines(b.String()), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head":
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch tag := string(name); {
			case tag == "script" || tag == "style" || tag == "head":
				if skip > 0 {
					skip--
				}
			case blockTags[tag]:
				b.WriteString("\n")
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteString("\n")
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
