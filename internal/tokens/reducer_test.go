package tokens

import (
	"fmt"
	"strings"
	"testing"
)

// runeTokenizer maps every rune to one token so counts are exact.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

func TestReduce_UnderBudgetUnchanged(t *testing.T) {
	r := NewReducer(runeTokenizer{}, Config{BudgetTokens: 10, HeadTokens: 2})
	for _, in := range []string{"", "abc", "0123456789"} {
		if got := r.Reduce(in); got != in {
			t.Errorf("Reduce(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestReduce_KeepsHeadAndTail(t *testing.T) {
	r := NewReducer(runeTokenizer{}, Config{BudgetTokens: 10, HeadTokens: 2, Marker: "|"})
	got := r.Reduce("abcdefghijklmnopqrstuvwxyz")
	// 2 head + 1 marker + 7 tail
	if got != "ab|tuvwxyz" {
		t.Errorf("Reduce = %q, want %q", got, "ab|tuvwxyz")
	}
}

func TestReduce_ScanSizedOutput(t *testing.T) {
	r := NewReducer(runeTokenizer{}, Config{})
	in := strings.Repeat("x", 20000) + strings.Repeat("y", 20000)

	got := r.Reduce(in)
	if n := r.Count(got); n > DefaultBudget {
		t.Fatalf("reduced count = %d, want <= %d", n, DefaultBudget)
	}
	if !strings.HasPrefix(got, strings.Repeat("x", DefaultHeadTokens)+DefaultMarker) {
		t.Error("reduced text should start with the head followed by the marker")
	}
	wantTail := DefaultBudget - DefaultHeadTokens - len(DefaultMarker)
	if !strings.HasSuffix(got, in[len(in)-wantTail:]) {
		t.Errorf("reduced text should end with the last %d tokens", wantTail)
	}
}

func TestReduce_Idempotent(t *testing.T) {
	r := NewReducer(runeTokenizer{}, Config{BudgetTokens: 50, HeadTokens: 10})
	for _, size := range []int{0, 49, 50, 51, 500} {
		in := strings.Repeat("z", size)
		once := r.Reduce(in)
		if twice := r.Reduce(once); twice != once {
			t.Errorf("size %d: Reduce not idempotent: %q vs %q", size, once, twice)
		}
		if r.Count(once) > 50 {
			t.Errorf("size %d: count %d over budget", size, r.Count(once))
		}
	}
}

func TestReduce_TinyBudget(t *testing.T) {
	// Head and marker alone exceed the budget; the result must still fit.
	r := NewReducer(runeTokenizer{}, Config{BudgetTokens: 4, HeadTokens: 4, Marker: "<cut>"})
	got := r.Reduce("abcdefghij")
	if r.Count(got) > 4 {
		t.Errorf("Reduce = %q (%d tokens), want <= 4", got, r.Count(got))
	}
}

func TestNewReducer_Defaults(t *testing.T) {
	r := NewReducer(runeTokenizer{}, Config{})
	if r.Budget() != DefaultBudget {
		t.Errorf("budget = %d, want %d", r.Budget(), DefaultBudget)
	}
	if r.head != DefaultHeadTokens || r.marker != DefaultMarker {
		t.Errorf("head/marker = %d/%q", r.head, r.marker)
	}
}

func TestReduce_Tiktoken(t *testing.T) {
	tok, err := NewTiktoken("")
	if err != nil {
		t.Skipf("tiktoken unavailable: %v", err)
	}
	var b strings.Builder
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&b, "Discovered open port %d/tcp on 10.0.%d.%d\n", 1000+i, i%255, i%7)
	}
	in := b.String()

	r := NewReducer(tok, Config{BudgetTokens: 500, HeadTokens: 50})
	if r.Count(in) <= 500 {
		t.Fatal("fixture should exceed the budget")
	}
	got := r.Reduce(in)
	if n := r.Count(got); n > 500 {
		t.Errorf("reduced count = %d, want <= 500", n)
	}
	if !strings.HasPrefix(got, "Discovered open port 1000/tcp") {
		t.Errorf("head lost: %q", got[:40])
	}
	if !strings.HasSuffix(got, "on 10.0.214.4\n") {
		t.Errorf("tail lost: %q", got[len(got)-40:])
	}
	if again := r.Reduce(got); again != got {
		t.Error("Reduce not idempotent on tiktoken output")
	}
}
