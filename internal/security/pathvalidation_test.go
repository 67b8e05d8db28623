package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "safe")
	outsideDir := filepath.Join(tmpDir, "outside")
	for _, dir := range []string{safeDir, filepath.Join(safeDir, "sub"), outsideDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	inside := filepath.Join(safeDir, "frame.tiff")
	if err := os.WriteFile(inside, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	secret := filepath.Join(outsideDir, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ok := []string{
		inside,
		filepath.Join(safeDir, "sub", "deep.json"),
		// Not existing yet is fine as long as it would land inside.
		filepath.Join(safeDir, "new.tiff"),
	}
	for _, p := range ok {
		if err := ValidatePathWithinDirectory(p, safeDir); err != nil {
			t.Errorf("ValidatePathWithinDirectory(%q) = %v, want nil", p, err)
		}
	}

	bad := []string{
		filepath.Join(safeDir, "..", "outside", "secret.txt"),
		secret,
		filepath.Join(safeDir, "sub", "..", "..", "outside", "secret.txt"),
	}
	for _, p := range bad {
		if err := ValidatePathWithinDirectory(p, safeDir); err == nil {
			t.Errorf("ValidatePathWithinDirectory(%q) accepted an escaping path", p)
		}
	}
}

func TestValidatePathSymlinkEscape(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "safe")
	outsideDir := filepath.Join(tmpDir, "outside")
	for _, dir := range []string{safeDir, outsideDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(outsideDir, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// A symlink inside the safe directory pointing outside must not pass,
	// whether the final target exists or not.
	link := filepath.Join(safeDir, "evil")
	if err := os.Symlink(outsideDir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := ValidatePathWithinDirectory(filepath.Join(link, "secret.txt"), safeDir); err == nil {
		t.Error("symlinked path to existing file accepted")
	}
	if err := ValidatePathWithinDirectory(filepath.Join(link, "new.txt"), safeDir); err == nil {
		t.Error("symlinked path to new file accepted")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"coarse cam", "coarse_cam"},
		{"fine-2.zwo", "fine-2.zwo"},
		{"../../etc/passwd", "etc_passwd"},
		{"a  b", "a_b"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, c := range cases {
		if got := SanitizeFilename(c.in); got != c.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeFilename(string(long)); len(got) != 128 {
		t.Errorf("long name sanitised to %d characters, want 128", len(got))
	}
}
