package fat

import (
	"testing"
)

func TestFormatShortName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"readme.txt", "README  TXT"},
		{"FOO.BAR", "FOO     BAR"},
		{"noext", "NOEXT      "},
		{"toolongbasename.extension", "TOOLONGBEXT"},
		{"a.b.c", "A       BC "},
		{"archive.tar.gz", "ARCHIVE TAR"},
		{"...leading.dots", "LEADING DOT"},
		{"   ", "NO_NAME    "},
		{"a b.c", "AB      C  "},
		{"x", "X          "},
	}
	for _, tt := range tests {
		got := formatShortName(tt.in)
		if string(got[:]) != tt.want {
			t.Errorf("formatShortName(%q) = %q, want %q", tt.in, got[:], tt.want)
		}
	}
}

func TestMatchShortName(t *testing.T) {
	raw := formatShortName("README.TXT")
	if !matchShortName("readme.txt", raw[:]) {
		t.Error("match must be case-insensitive")
	}
	if matchShortName("readme.md", raw[:]) {
		t.Error("different extension must not match")
	}
}

func TestLeadingKanjiByteEscaped(t *testing.T) {
	raw := formatShortName("\xe5data.txt")
	if raw[0] != entryKanjiE5 {
		t.Errorf("leading 0xE5 stored as %#x, want %#x", raw[0], entryKanjiE5)
	}
	if raw[0] == entryDeleted {
		t.Fatal("stored name reads back as a deleted entry")
	}
	got := displayShortName(raw[:])
	if len(got) == 0 || got[0] != 0xE5 {
		t.Errorf("displayShortName = %q, want leading 0xE5 restored", got)
	}
	if !matchShortName("\xe5data.txt", raw[:]) {
		t.Error("escaped name no longer matches its component")
	}
}

func TestDisplayShortName(t *testing.T) {
	raw := formatShortName("README.TXT")
	if got := displayShortName(raw[:]); got != "README.TXT" {
		t.Errorf("displayShortName = %q", got)
	}
	raw = formatShortName("NOEXT")
	if got := displayShortName(raw[:]); got != "NOEXT" {
		t.Errorf("displayShortName = %q", got)
	}
}

func TestUniqueShortNameSuffixes(t *testing.T) {
	fs := &FS{}

	taken := map[[11]byte]bool{
		formatShortName("document.txt"): true,
	}
	got, err := fs.uniqueShortName("document.txt", func(sfn [11]byte) (bool, error) {
		return taken[sfn], nil
	})
	if err != nil {
		t.Fatalf("uniqueShortName: %v", err)
	}
	if string(got[:]) != "DOCUME~1TXT" {
		t.Errorf("got %q, want %q", got[:], "DOCUME~1TXT")
	}

	// With ~1 also taken the next suffix is used.
	taken[got] = true
	got, err = fs.uniqueShortName("document.txt", func(sfn [11]byte) (bool, error) {
		return taken[sfn], nil
	})
	if err != nil {
		t.Fatalf("uniqueShortName: %v", err)
	}
	if string(got[:]) != "DOCUME~2TXT" {
		t.Errorf("got %q, want %q", got[:], "DOCUME~2TXT")
	}
}

func TestUniqueShortNameNoCollision(t *testing.T) {
	fs := &FS{}
	got, err := fs.uniqueShortName("hello.txt", func(sfn [11]byte) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("uniqueShortName: %v", err)
	}
	if string(got[:]) != "HELLO   TXT" {
		t.Errorf("got %q, want plain form when free", got[:])
	}
}
