package parser

import (
	"archive/zip"
	"fmt"
	stdhtml "html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"ragcore/internal/helper"
	"ragcore/internal/models"
)

var (
	wordTextRe  = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	wordParaRe  = regexp.MustCompile(`</w:p>`)
	slideTextRe = regexp.MustCompile(`<a:t>([^<]*)</a:t>`)
	slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// Supported lists the extensions Load understands.
var Supported = []string{".pdf", ".docx", ".pptx", ".xlsx", ".xlsm", ".ods", ".md", ".markdown", ".txt"}

// Load extracts and normalizes the text of the file at path. The document id
// is derived from the file's absolute path.
func Load(path string) (models.Document, error) {
	raw, err := Extract(path)
	if err != nil {
		return models.Document{}, err
	}
	doc := models.Document{ID: helper.DocumentID(path), Text: Normalize(raw)}
	log.Info().Str("file", path).Str("document", doc.ID).Int("chars", len([]rune(doc.Text))).Msg("Document loaded")
	return doc, nil
}

// Extract returns the raw text of the file at path, chosen by extension.
func Extract(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return parsePDF(path)
	case ".docx":
		return parseDOCX(path)
	case ".pptx":
		return parsePPTX(path)
	case ".xlsx":
		return parseXLSX(path)
	case ".xlsm", ".ods":
		return parseSpreadsheet(path)
	case ".md", ".markdown":
		return parseMarkdown(path)
	case ".txt":
		return parseText(path)
	default:
		return "", fmt.Errorf("unsupported file format: %s", ext)
	}
}

// Normalize collapses whitespace runs to single spaces, trims the ends and
// replaces invalid UTF-8.
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "�")
	return strings.Join(strings.Fields(text), " ")
}

func parsePDF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}
	return text.String(), nil
}

func parseDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return wordXMLText(r.Editable().GetContent()), nil
}

// wordXMLText pulls run text out of WordprocessingML, one line per paragraph.
func wordXMLText(content string) string {
	var text strings.Builder
	for _, para := range wordParaRe.Split(content, -1) {
		var line strings.Builder
		for _, m := range wordTextRe.FindAllStringSubmatch(para, -1) {
			line.WriteString(m[1])
		}
		if line.Len() == 0 {
			continue
		}
		text.WriteString(stdhtml.UnescapeString(line.String()))
		text.WriteString("\n")
	}
	return text.String()
}

func parsePPTX(path string) (string, error) {
	f, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: n, file: file})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var text strings.Builder
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		for _, m := range slideTextRe.FindAllStringSubmatch(string(data), -1) {
			text.WriteString(stdhtml.UnescapeString(m[1]))
			text.WriteString(" ")
		}
		text.WriteString("\n")
	}
	return text.String(), nil
}

func parseXLSX(path string) (string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, sheet := range f.Sheets {
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

func parseSpreadsheet(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var text strings.Builder
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheetName).Msg("Skipping unreadable sheet")
			continue
		}
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
	}
	return text.String(), nil
}

func parseText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
