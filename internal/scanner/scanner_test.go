package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanListsOnlyDirectories(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"case_b", "case_a", ".hidden"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases, err := New(root).Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("got %d cases, want 2", len(cases))
	}
	if cases[0].ID != "case_a" || cases[1].ID != "case_b" {
		t.Fatalf("want sorted case_a, case_b; got %v", cases)
	}
	if cases[0].Path != filepath.Join(root, "case_a") {
		t.Fatalf("unexpected path %s", cases[0].Path)
	}
}

func TestScanMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope")).Scan()
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}
