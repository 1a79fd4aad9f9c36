package chunker

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many tokens a string consumes.
type TokenCounter interface {
	Count(text string) int
}

// wordApproxCounter approximates tokens as 1.3x the whitespace-split word
// count, the fallback every strategy uses when no BPE tokeniser loaded.
type wordApproxCounter struct{}

func (wordApproxCounter) Count(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Max(1, math.Round(1.3*float64(words))))
}

// bpeCounter wraps a tiktoken-go encoding for exact GPT-family token counts.
type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (b bpeCounter) Count(text string) int {
	return len(b.enc.Encode(text, nil, nil))
}

var (
	counterOnce sync.Once
	counter     TokenCounter = wordApproxCounter{}
)

// initTokenCounter loads the cl100k_base BPE encoding once, on first use.
// tiktoken-go's encoding load can fail offline (no cached ranks file); in
// that case the whitespace approximation stays in effect for the process
// lifetime.
func initTokenCounter() {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		counter = bpeCounter{enc: enc}
	})
}

// estimateTokens gives every chunk's TokenCount and sizes table windows and
// hierarchy sections; text windows are sliced on whitespace words instead.
func estimateTokens(text string) int {
	initTokenCounter()
	return counter.Count(text)
}
