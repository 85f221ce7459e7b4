// Package tokens counts and bounds text in model tokens.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE used by the gpt-4o family's predecessors and
// close enough for budgeting gpt-4o context.
const DefaultEncoding = "cl100k_base"

func init() {
	// Ship BPE ranks in the binary; sandbox hosts often have no egress.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns a Tokenizer backed by the named tiktoken encoding.
// Empty encoding selects DefaultEncoding.
func NewTiktoken(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %s: %w", encoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

// Encode treats special-token text literally; scan output can contain anything.
func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
