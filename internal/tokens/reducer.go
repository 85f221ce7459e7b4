package tokens

const (
	DefaultBudget     = 32000
	DefaultHeadTokens = 1000
	DefaultMarker     = "\n...\n"
)

// Config configures a Reducer. Zero values select the defaults.
type Config struct {
	BudgetTokens int
	HeadTokens   int
	Marker       string
}

// Reducer truncates oversized command output to a token budget while keeping
// both ends: scan logs carry setup information at the top and findings at the
// bottom. Reducer is stateless and safe for concurrent use.
type Reducer struct {
	tok          Tokenizer
	budget       int
	head         int
	marker       string
	markerTokens int
}

// NewReducer creates a Reducer over tok.
func NewReducer(tok Tokenizer, cfg Config) *Reducer {
	r := &Reducer{
		tok:    tok,
		budget: cfg.BudgetTokens,
		head:   cfg.HeadTokens,
		marker: cfg.Marker,
	}
	if r.budget <= 0 {
		r.budget = DefaultBudget
	}
	if r.head <= 0 {
		r.head = DefaultHeadTokens
	}
	if r.head > r.budget {
		r.head = r.budget
	}
	if r.marker == "" {
		r.marker = DefaultMarker
	}
	r.markerTokens = len(tok.Encode(r.marker))
	return r
}

// Budget returns the maximum token count of a reduced text.
func (r *Reducer) Budget() int { return r.budget }

// Count returns the number of tokens in text.
func (r *Reducer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(r.tok.Encode(text))
}

// Reduce returns text unchanged when it fits the budget. Otherwise it keeps
// the first head tokens and as many trailing tokens as fit, joined by the
// elision marker. The result never exceeds the budget, so Reduce is idempotent.
func (r *Reducer) Reduce(text string) string {
	if text == "" {
		return ""
	}
	toks := r.tok.Encode(text)
	if len(toks) <= r.budget {
		return text
	}

	head := r.head
	tail := r.budget - head - r.markerTokens
	if tail < 0 {
		head += tail
		tail = 0
	}
	if head < 0 {
		head = 0
	}

	out := r.join(toks, head, tail)
	// BPE can merge across the seams; re-count and shrink until it fits.
	for {
		over := r.Count(out) - r.budget
		if over <= 0 {
			return out
		}
		switch {
		case tail > 0:
			tail -= min(over, tail)
		case head > 0:
			head -= min(over, head)
		default:
			return ""
		}
		out = r.join(toks, head, tail)
	}
}

func (r *Reducer) join(toks []int, head, tail int) string {
	return r.tok.Decode(toks[:head]) + r.marker + r.tok.Decode(toks[len(toks)-tail:])
}
