package stream

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		rec  Record
		want string
	}{
		{Delta("hello"), "0:\"hello\"\n"},
		{Delta("a\nb \"q\" <tag>"), "0:\"a\\nb \\\"q\\\" <tag>\"\n"},
		{Delta(""), "0:\"\"\n"},
		{Finish(FinishToolCalls), "d:{\"finishReason\":\"tool-calls\"}\n"},
		{Finish(FinishError), "d:{\"finishReason\":\"error\"}\n"},
	}
	for _, tc := range cases {
		got, err := tc.rec.Encode()
		if err != nil {
			t.Fatalf("Encode(%+v): %v", tc.rec, err)
		}
		if string(got) != tc.want {
			t.Errorf("Encode(%+v) = %q, want %q", tc.rec, got, tc.want)
		}
	}
}

func TestWriter_FlushesEachRecord(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if err := w.Write(Delta("Scanning...\n")); err != nil {
		t.Fatal(err)
	}
	if !rec.Flushed {
		t.Error("recorder should be flushed after a record")
	}
	if err := w.Write(Finish(FinishStop)); err != nil {
		t.Fatal(err)
	}
	want := "0:\"Scanning...\\n\"\nd:{\"finishReason\":\"stop\"}\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestDecoder(t *testing.T) {
	in := "0:\"Starting \"\n\n0:\"scan ✓\"\nd:{\"finishReason\":\"stop\"}\n"
	d := NewDecoder(strings.NewReader(in))

	var text strings.Builder
	var finish FinishReason
	for {
		r, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch r.Kind {
		case KindDelta:
			text.WriteString(r.Text)
		case KindFinish:
			finish = r.FinishReason
		}
	}
	if text.String() != "Starting scan ✓" {
		t.Errorf("text = %q", text.String())
	}
	if finish != FinishStop {
		t.Errorf("finish = %q, want stop", finish)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, line := range []string{"x:1", "0:not-json", "d:[]"} {
		if _, err := Parse([]byte(line)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) = %v, want ErrMalformed", line, err)
		}
	}
}
