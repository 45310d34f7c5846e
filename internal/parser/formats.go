package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat"
	"github.com/xuri/excelize/v2"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
)

func extractPlain(data []byte) (string, ingestion.DocumentMetadata, error) {
	var meta ingestion.DocumentMetadata
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		meta.Encoding = "utf-8 (repaired)"
		return strings.ToValidUTF8(string(data), "�"), meta, nil
	}
	return string(data), meta, nil
}

var (
	htmlDropped = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	htmlBlock   = regexp.MustCompile(`(?i)</?(p|div|br|li|h[1-6]|tr|section|article)[^>]*>`)
	htmlTag     = regexp.MustCompile(`<[^>]+>`)
	htmlTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

func extractHTML(data []byte) (string, ingestion.DocumentMetadata, error) {
	src, meta, _ := extractPlain(data)
	if m := htmlTitle.FindStringSubmatch(src); m != nil {
		meta.Title = strings.TrimSpace(html.UnescapeString(m[1]))
	}
	src = htmlDropped.ReplaceAllString(src, "")
	src = htmlBlock.ReplaceAllString(src, "\n\n")
	src = htmlTag.ReplaceAllString(src, "")
	src = html.UnescapeString(src)
	lines := strings.Split(src, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")), meta, nil
}

// extractPDF separates pages with a blank line so paragraph chunking never
// merges text across a page boundary without a break.
func extractPDF(data []byte) (string, ingestion.DocumentMetadata, error) {
	var meta ingestion.DocumentMetadata
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", meta, fmt.Errorf("open PDF: %w", err)
	}
	numPages := r.NumPage()
	meta.PageCount = &numPages

	info := r.Trailer().Key("Info")
	meta.Title = strings.TrimSpace(info.Key("Title").Text())
	meta.Author = strings.TrimSpace(info.Key("Author").Text())

	var buf strings.Builder
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", meta, fmt.Errorf("extract page %d: %w", i, err)
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(strings.TrimSpace(text))
	}
	return buf.String(), meta, nil
}

// extractXLSX renders every sheet as tab-separated rows, one paragraph per
// sheet.
func extractXLSX(data []byte) (string, ingestion.DocumentMetadata, error) {
	var meta ingestion.DocumentMetadata
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", meta, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	if props, err := f.GetDocProps(); err == nil && props != nil {
		meta.Title = props.Title
		meta.Author = props.Creator
		meta.Language = props.Language
		meta.CreatedAt = parseTime(props.Created)
		meta.ModifiedAt = parseTime(props.Modified)
	}

	sheets := f.GetSheetList()
	pages := len(sheets)
	meta.PageCount = &pages

	var buf strings.Builder
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", meta, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(sheet)
		for _, row := range rows {
			buf.WriteByte('\n')
			buf.WriteString(strings.Join(row, "\t"))
		}
	}
	return strings.TrimSpace(buf.String()), meta, nil
}

const (
	docxDocumentPath = "word/document.xml"
	docxCorePath     = "docProps/core.xml"
)

var (
	docxParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	docxText      = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	docxTab       = regexp.MustCompile(`<w:tab/>`)
	coreTitle     = regexp.MustCompile(`(?s)<dc:title>(.*?)</dc:title>`)
	coreCreator   = regexp.MustCompile(`(?s)<dc:creator>(.*?)</dc:creator>`)
	coreLanguage  = regexp.MustCompile(`(?s)<dc:language>(.*?)</dc:language>`)
	coreCreated   = regexp.MustCompile(`(?s)<dcterms:created[^>]*>(.*?)</dcterms:created>`)
	coreModified  = regexp.MustCompile(`(?s)<dcterms:modified[^>]*>(.*?)</dcterms:modified>`)
)

// extractDOCX reads the OOXML body directly: every <w:p> becomes a
// paragraph made of its <w:t> runs.
func extractDOCX(data []byte) (string, ingestion.DocumentMetadata, error) {
	var meta ingestion.DocumentMetadata
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", meta, fmt.Errorf("not a zip: %w", err)
	}
	body, err := readZipEntry(zr, docxDocumentPath)
	if err != nil {
		return "", meta, err
	}
	if core, err := readZipEntry(zr, docxCorePath); err == nil {
		meta.Title = firstMatch(coreTitle, core)
		meta.Author = firstMatch(coreCreator, core)
		meta.Language = firstMatch(coreLanguage, core)
		meta.CreatedAt = parseTime(firstMatch(coreCreated, core))
		meta.ModifiedAt = parseTime(firstMatch(coreModified, core))
	}

	var paras []string
	for _, p := range docxParagraph.FindAllString(body, -1) {
		p = docxTab.ReplaceAllString(p, "<w:t>\t</w:t>")
		var b strings.Builder
		for _, run := range docxText.FindAllStringSubmatch(p, -1) {
			b.WriteString(html.UnescapeString(run[1]))
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			paras = append(paras, text)
		}
	}
	return strings.Join(paras, "\n\n"), meta, nil
}

func readZipEntry(zr *zip.Reader, name string) (string, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%s not found", name)
}

// extractWithCat handles ODT and RTF.
func extractWithCat(data []byte) (string, ingestion.DocumentMetadata, error) {
	text, err := cat.FromBytes(data)
	if err != nil {
		return "", ingestion.DocumentMetadata{}, err
	}
	return strings.TrimSpace(text), ingestion.DocumentMetadata{}, nil
}

func firstMatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return ""
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
