package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor walks word/document.xml in document order, emitting a
// heading block for "Heading*"/"Title" styled paragraphs, a text block
// (prefixed "- ") for list-styled paragraphs, a text block for everything
// else, and one table block per <w:tbl> rendered as a pipe-delimited
// string with "|" escaped inside cells.
type DOCXExtractor struct{}

func (e *DOCXExtractor) SupportedFormats() []string { return []string{"docx"} }

func (e *DOCXExtractor) Extract(ctx context.Context, path string) (*ExtractResult, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer zr.Close()

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading document.xml: %w", err)
	}

	blocks, err := walkDocxBody(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}

	return &ExtractResult{Blocks: blocks}, nil
}

type docxPara struct {
	XMLName xml.Name    `xml:"p"`
	PPr     *docxParaPr `xml:"pPr"`
	Runs    []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	XMLName xml.Name  `xml:"tbl"`
	Rows    []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

// walkDocxBody streams the document.xml token-by-token, decoding each
// top-level "p" or "tbl" element as it's encountered so document order is
// preserved. DecodeElement consumes the matched element's whole subtree,
// so nested table-cell paragraphs are never revisited by the outer loop.
func walkDocxBody(data []byte) ([]Block, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var blocks []Block
	order := 0
	lastHeading := ""

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "p":
			var para docxPara
			if err := decoder.DecodeElement(&para, &start); err != nil {
				continue
			}
			text := extractParaText(para)
			if text == "" {
				continue
			}
			style := ""
			if para.PPr != nil && para.PPr.PStyle != nil {
				style = para.PPr.PStyle.Val
			}
			lower := strings.ToLower(style)

			switch {
			case strings.HasPrefix(lower, "heading") || strings.HasPrefix(lower, "title"):
				blocks = append(blocks, Block{
					Type:          BlockHeading,
					Text:          text,
					SectionHeader: lastHeading,
					Order:         order,
				})
				lastHeading = text
			case strings.Contains(lower, "list"):
				blocks = append(blocks, Block{
					Type:          BlockText,
					Text:          "- " + text,
					SectionHeader: lastHeading,
					Order:         order,
				})
			default:
				blocks = append(blocks, Block{
					Type:          BlockText,
					Text:          text,
					SectionHeader: lastHeading,
					Order:         order,
				})
			}
			order++

		case "tbl":
			var tbl docxTable
			if err := decoder.DecodeElement(&tbl, &start); err != nil {
				continue
			}
			rendered := renderDocxTable(tbl)
			if rendered == "" {
				continue
			}
			blocks = append(blocks, Block{
				Type:          BlockTable,
				Text:          rendered,
				SectionHeader: lastHeading,
				Order:         order,
			})
			order++
		}
	}

	return blocks, nil
}

func renderDocxTable(tbl docxTable) string {
	var b strings.Builder
	for _, row := range tbl.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			var cellText strings.Builder
			for _, p := range cell.Paras {
				t := extractParaText(p)
				if cellText.Len() > 0 && t != "" {
					cellText.WriteString(" ")
				}
				cellText.WriteString(t)
			}
			cells = append(cells, strings.ReplaceAll(cellText.String(), "|", "\\|"))
		}
		if len(cells) == 0 {
			continue
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}
