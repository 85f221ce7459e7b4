package storage

import (
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Report Final.PDF":      "report_final.pdf",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\scan.json`: "scan.json",
		"...hidden":             "hidden",
		"":                      "file",
		"naïve-list.txt":        "na_ve_list.txt",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}

	long := strings.Repeat("a", 150) + ".txt"
	got := SanitizeName(long)
	if len(got) != maxNameLength || !strings.HasSuffix(got, ".txt") {
		t.Errorf("long name = %q (%d)", got, len(got))
	}
}

func TestClassifyFile(t *testing.T) {
	cases := []struct {
		name    string
		content []byte
		want    FileKind
	}{
		{"hosts.csv", nil, KindCSV},
		{"out.json", nil, KindJSON},
		{"notes.md", nil, KindMarkdown},
		{"report.pdf", nil, KindPDF},
		{"wordlist", []byte("admin\nroot\n"), KindText},
		{"blob", []byte{0x00, 0x01, 0x02, 0xff}, KindBinary},
	}
	for _, c := range cases {
		if got := ClassifyFile(c.name, c.content); got != c.want {
			t.Errorf("ClassifyFile(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}
