package parser

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor opens a PDF and checks whether any page exposes a text
// layer. If so, it reconstructs visual lines per page (grouping by Y
// proximity), detects and unscrambles two-column layouts, classifies
// heading lines by font size relative to the page's baseline, and turns
// qualifying embedded images into formula placeholder blocks. If no page
// has a text layer, it falls through to the OCR path in ocr.go.
type PDFExtractor struct{}

func (e *PDFExtractor) SupportedFormats() []string { return []string{"pdf"} }

// columnGapThreshold is the minimum x-gap, in PDF user-space units, between
// sorted distinct line x-origins that triggers two-column reading order.
const columnGapThreshold = 80.0

// headingFontDelta is how far above a page's baseline font size a line's
// font size must sit to be classified as a heading.
const headingFontDelta = 1.5

// lineYTolerance groups Content() text elements into the same visual line
// when their Y coordinates differ by less than this amount.
const lineYTolerance = 3.0

var pageNumberLine = regexp.MustCompile(`(?i)^\s*(page\s*)?\d{1,4}\s*((of|/)\s*\d{1,4})?\s*$`)

func (e *PDFExtractor) Extract(ctx context.Context, path string) (*ExtractResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()

	if !pdfHasTextLayer(reader, totalPages) {
		blocks, err := ocrExtract(path, totalPages)
		if err != nil {
			return nil, err
		}
		return &ExtractResult{Blocks: blocks, TotalPages: totalPages}, nil
	}

	var blocks []Block
	order := 0

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		lines := pageVisualLines(page)
		if len(lines) == 0 {
			continue
		}

		ordered := orderPageLines(lines)
		baseline := baselineFontSize(lines)

		for _, l := range ordered {
			text := strings.TrimSpace(l.text)
			if text == "" || pageNumberLine.MatchString(text) {
				continue
			}
			typ := BlockText
			if l.fontSize >= baseline+headingFontDelta {
				typ = BlockHeading
			}
			blocks = append(blocks, Block{
				Type:       typ,
				Text:       text,
				PageNumber: i,
				Order:      order,
			})
			order++
		}

		for range countPageImages(page) {
			blocks = append(blocks, Block{
				Type:       BlockFormula,
				Text:       "[embedded image]",
				PageNumber: i,
				Order:      order,
			})
			order++
		}
	}

	if len(blocks) == 0 {
		blocks = append(blocks, Block{Type: BlockText, Text: "Unable to extract text from PDF", PageNumber: 1})
	}

	return &ExtractResult{Blocks: blocks, TotalPages: totalPages}, nil
}

type pdfLine struct {
	y, x, fontSize float64
	text           string
}

// pdfHasTextLayer reports whether any page's content stream carries text
// elements at all (a scanned PDF has none, on any page).
func pdfHasTextLayer(reader *pdf.Reader, totalPages int) bool {
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		if len(page.Content().Text) > 0 {
			return true
		}
	}
	return false
}

// pageVisualLines groups a page's Content().Text elements into visual lines
// by Y proximity, preserving content-stream order within each line (sorting
// by X would garble text under negative text matrices).
func pageVisualLines(page pdf.Page) []pdfLine {
	content := page.Content()
	if len(content.Text) == 0 {
		return nil
	}

	type building struct {
		y, x, fontSize float64
		buf            strings.Builder
	}

	var lines []*building
	var cur *building

	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineYTolerance {
			lines = append(lines, &building{y: t.Y, x: t.X, fontSize: t.FontSize})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	result := make([]pdfLine, 0, len(lines))
	for _, l := range lines {
		result = append(result, pdfLine{y: l.y, x: l.x, fontSize: l.fontSize, text: l.buf.String()})
	}
	return result
}

// orderPageLines applies the two-column heuristic: if the largest gap
// between sorted distinct line x-origins exceeds columnGapThreshold, the
// page is split at the gap's midpoint and read left column top-to-bottom
// then right column top-to-bottom. Otherwise lines are read in natural
// (y desc, x asc) order.
func orderPageLines(lines []pdfLine) []pdfLine {
	xs := distinctSorted(lines)
	splitAt, isTwoColumn := maxGapMidpoint(xs)

	if !isTwoColumn {
		ordered := append([]pdfLine(nil), lines...)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].y != ordered[j].y {
				return ordered[i].y > ordered[j].y
			}
			return ordered[i].x < ordered[j].x
		})
		return ordered
	}

	var left, right []pdfLine
	for _, l := range lines {
		if l.x < splitAt {
			left = append(left, l)
		} else {
			right = append(right, l)
		}
	}
	sort.SliceStable(left, func(i, j int) bool { return left[i].y > left[j].y })
	sort.SliceStable(right, func(i, j int) bool { return right[i].y > right[j].y })

	return append(left, right...)
}

func distinctSorted(lines []pdfLine) []float64 {
	seen := make(map[float64]bool)
	var xs []float64
	for _, l := range lines {
		if !seen[l.x] {
			seen[l.x] = true
			xs = append(xs, l.x)
		}
	}
	sort.Float64s(xs)
	return xs
}

// maxGapMidpoint finds the largest gap between consecutive sorted values.
// If it exceeds columnGapThreshold, it returns the gap's midpoint and true.
func maxGapMidpoint(xs []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	maxGap := 0.0
	splitAt := 0.0
	for i := 1; i < len(xs); i++ {
		gap := xs[i] - xs[i-1]
		if gap > maxGap {
			maxGap = gap
			splitAt = (xs[i] + xs[i-1]) / 2
		}
	}
	if maxGap > columnGapThreshold {
		return splitAt, true
	}
	return 0, false
}

// baselineFontSize is the most common line font size on the page, used as
// the reference point for heading classification.
func baselineFontSize(lines []pdfLine) float64 {
	counts := make(map[float64]int)
	for _, l := range lines {
		counts[l.fontSize]++
	}
	best, bestCount := 0.0, 0
	for size, count := range counts {
		if count > bestCount {
			best, bestCount = size, count
		}
	}
	return best
}

// countPageImages counts image XObjects on the page that are not masks and
// meet the minimum displayed size, without reading their pixel data — the
// Extractor only needs to know an image occupies this position in reading
// order, not its content.
func countPageImages(page pdf.Page) []struct{} {
	resources := page.Resources()
	if resources.IsNull() {
		return nil
	}
	xobjects := resources.Key("XObject")
	if xobjects.IsNull() {
		return nil
	}

	var qualifying []struct{}
	for _, name := range xobjects.Keys() {
		xobj := xobjects.Key(name)
		if xobj.Key("Subtype").Name() != "Image" {
			continue
		}
		if xobj.Key("ImageMask").Bool() {
			continue
		}
		width := int(xobj.Key("Width").Int64())
		height := int(xobj.Key("Height").Int64())
		if width < 32 || height < 32 {
			continue
		}
		qualifying = append(qualifying, struct{}{})
	}
	return qualifying
}
