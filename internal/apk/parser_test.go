package apk

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestParseTestdataAPKs(t *testing.T) {
	testdataDir := filepath.Join("..", "..", "testdata", "apks")

	entries, err := os.ReadDir(testdataDir)
	if err != nil {
		t.Skipf("cannot read testdata directory: %v", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".apk" {
			continue
		}
		t.Run(entry.Name(), func(t *testing.T) {
			path := filepath.Join(testdataDir, entry.Name())
			info, err := Parse(path, Options{})
			if err != nil {
				t.Fatalf("Parse(%s): %v", entry.Name(), err)
			}
			if info.PackageName.IsZero() {
				t.Error("PackageName is empty")
			}
			if len(info.CertFingerprints) == 0 {
				t.Error("CertFingerprints is empty")
			}
			for _, fp := range info.CertFingerprints {
				if len(fp.String()) != 64 {
					t.Errorf("fingerprint %q has wrong length", fp.String())
				}
			}
		})
	}
}

func TestHashFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(tmpFile, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	digest, err := hashFile(tmpFile)
	if err != nil {
		t.Fatal(err)
	}

	const wantHex = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := hex.EncodeToString(digest[:]); got != wantHex {
		t.Errorf("hashFile() = %q, want %q", got, wantHex)
	}
}

func TestMustHelpersRecoverFromPanic(t *testing.T) {
	_, err := mustString("field", func() string { panic("boom") })
	if err == nil {
		t.Fatal("expected mustString to convert panic into error")
	}

	v, err := mustInt32("field", func() int32 { return 42 })
	if err != nil || v != 42 {
		t.Fatalf("mustInt32 = %d, %v", v, err)
	}
}

func TestV4FingerprintAbsentIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	apkPath := filepath.Join(dir, "app.apk")
	if err := os.WriteFile(apkPath, []byte("not really a zip"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := v4Fingerprint(apkPath)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no idsig sidecar to be found")
	}
}

func TestV4FingerprintPresent(t *testing.T) {
	dir := t.TempDir()
	apkPath := filepath.Join(dir, "app.apk")
	idsigPath := apkPath + ".idsig"
	if err := os.WriteFile(apkPath, []byte("apk bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(idsigPath, []byte("idsig bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp, ok, err := v4Fingerprint(apkPath)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(fp.String()) != 64 {
		t.Fatalf("expected a 64-char hex fingerprint, got %q ok=%v", fp.String(), ok)
	}
}

func TestLE16LE32(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04}
	if got := le16(b, 0); got != 0x0201 {
		t.Fatalf("le16 = %#x", got)
	}
	if got := le32(b, 0); got != 0x04030201 {
		t.Fatalf("le32 = %#x", got)
	}
}
