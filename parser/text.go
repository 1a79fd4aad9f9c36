package parser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
)

// headingLinePattern matches a markdown ATX heading or a numbered section
// title ("1.2.3 Scope") on its own line.
var headingLinePattern = regexp.MustCompile(`^(?:#{1,6} .+|\d+(?:\.\d+)* .+)$`)

// TextExtractor handles plain text and markdown files with a line scan: a
// line matching headingLinePattern becomes a heading block, everything else
// is a text block. The whole file is a single logical page.
type TextExtractor struct{}

func (e *TextExtractor) SupportedFormats() []string { return []string{"txt", "md"} }

func (e *TextExtractor) Extract(ctx context.Context, path string) (*ExtractResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening text file: %w", err)
	}
	defer f.Close()

	var blocks []Block
	order := 0
	lastHeading := ""

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		typ := BlockText
		if headingLinePattern.MatchString(line) {
			typ = BlockHeading
			lastHeading = line
		}
		blocks = append(blocks, Block{
			Type:          typ,
			Text:          line,
			PageNumber:    1,
			SectionHeader: lastHeading,
			Order:         order,
		})
		order++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning text file: %w", err)
	}

	return &ExtractResult{Blocks: blocks, TotalPages: 1}, nil
}
