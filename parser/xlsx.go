package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor emits one table block per sheet, pipe-rendered. Cell values
// come back through excelize's formula/number-format evaluation
// (github.com/xuri/efp, github.com/xuri/nfp) whenever a sheet carries a
// formula or custom numeric format, so no separate handling is needed here.
type XLSXExtractor struct{}

func (e *XLSXExtractor) SupportedFormats() []string { return []string{"xlsx", "xls"} }

func (e *XLSXExtractor) Extract(ctx context.Context, path string) (*ExtractResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var blocks []Block
	order := 0

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var content strings.Builder
		for _, row := range rows {
			content.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}

		blocks = append(blocks, Block{
			Type:          BlockTable,
			Text:          strings.TrimRight(content.String(), "\n"),
			SectionHeader: sheet,
			Order:         order,
		})
		order++
	}

	if len(blocks) == 0 {
		// Nothing readable: emit a single placeholder block rather than an
		// empty document, per the minimal xlsx handling this format gets.
		blocks = append(blocks, Block{Type: BlockTable, Text: "(empty workbook)", Order: 0})
	}

	return &ExtractResult{Blocks: blocks}, nil
}
