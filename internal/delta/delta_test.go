package delta

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/inthewaves/apkrepo/internal/domain"
)

// fakeCodec avoids depending on the real bsdiff binary format in unit
// tests: the "patch" is just the target bytes themselves, and Patch
// ignores the base entirely. This is enough to exercise scheduling,
// gzip wrapping, and file placement without needing real APK fixtures.
type fakeCodec struct{}

func (fakeCodec) Diff(base, target []byte) ([]byte, error) { return append([]byte{}, target...), nil }
func (fakeCodec) Patch(base, patch []byte) ([]byte, error) { return append([]byte{}, patch...), nil }

func TestGenerateOneWritesGzippedPatch(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "24.apk")
	targetPath := filepath.Join(dir, "25.apk")
	outPath := filepath.Join(dir, "delta-24-to-25.gz")

	if err := os.WriteFile(basePath, []byte("base bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(targetPath, []byte("target bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	v24, _ := domain.NewVersionCode(24)
	v25, _ := domain.NewVersionCode(25)
	g := &Generator{Codec: fakeCodec{}, NumWorkers: 1}

	res, err := g.generateOne(Job{
		BaseVersion: v24, TargetVersion: v25,
		BasePath: basePath, TargetPath: targetPath, OutPath: outPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FileSize == 0 {
		t.Fatal("expected a non-zero file size")
	}

	applied, err := Apply(fakeCodec{}, basePath, outPath, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(applied, []byte("target bytes")) {
		t.Fatalf("applied = %q, want %q", applied, "target bytes")
	}
}

func TestGenerateOneWritesRawPatchWhenNoGzip(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "24.apk")
	targetPath := filepath.Join(dir, "25.apk")
	outPath := filepath.Join(dir, "delta-24-to-25.patch")

	if err := os.WriteFile(basePath, []byte("base bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(targetPath, []byte("target bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	v24, _ := domain.NewVersionCode(24)
	v25, _ := domain.NewVersionCode(25)
	g := &Generator{Codec: fakeCodec{}, NumWorkers: 1}

	if _, err := g.generateOne(Job{
		BaseVersion: v24, TargetVersion: v25,
		BasePath: basePath, TargetPath: targetPath, OutPath: outPath, NoGzip: true,
	}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte("target bytes")) {
		t.Fatalf("expected the raw patch on disk, got %q", raw)
	}

	applied, err := Apply(fakeCodec{}, basePath, outPath, true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(applied, []byte("target bytes")) {
		t.Fatalf("applied = %q, want %q", applied, "target bytes")
	}
}

func TestRunIsolatesFailuresPerPackage(t *testing.T) {
	dir := t.TempDir()
	goodBase := filepath.Join(dir, "good-base.apk")
	goodTarget := filepath.Join(dir, "good-target.apk")
	os.WriteFile(goodBase, []byte("a"), 0o644)
	os.WriteFile(goodTarget, []byte("b"), 0o644)

	v1, _ := domain.NewVersionCode(1)
	v2, _ := domain.NewVersionCode(2)

	g := &Generator{Codec: fakeCodec{}, NumWorkers: 2}
	batches := []PackageBatch{
		{
			Package: mustPkg(t, "com.example.good"),
			Jobs: []Job{{
				BaseVersion: v1, TargetVersion: v2,
				BasePath: goodBase, TargetPath: goodTarget,
				OutPath: filepath.Join(dir, "good.gz"),
			}},
		},
		{
			Package: mustPkg(t, "com.example.bad"),
			Jobs: []Job{{
				BaseVersion: v1, TargetVersion: v2,
				BasePath:   filepath.Join(dir, "missing-base.apk"),
				TargetPath: goodTarget,
				OutPath:    filepath.Join(dir, "bad.gz"),
			}},
		},
	}

	results := g.Run(context.Background(), batches)
	if err := results["com.example.good"]; err != nil {
		t.Fatalf("good package failed: %v", err)
	}
	if err := results["com.example.bad"]; err == nil {
		t.Fatal("expected bad package to fail")
	}
}

func mustPkg(t *testing.T, s string) domain.PackageName {
	t.Helper()
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func TestNewGeneratorBoundsWorkersByCores(t *testing.T) {
	g := NewGenerator(1_000_000)
	if g.NumWorkers < 1 {
		t.Fatal("expected at least one worker")
	}
	if g.NumWorkers > runtime.NumCPU() {
		t.Fatalf("NumWorkers = %d, want at most %d (available cores)", g.NumWorkers, runtime.NumCPU())
	}
}
