package validate

import (
	"context"
	"os"
	"testing"

	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/repotest"
	"github.com/inthewaves/apkrepo/internal/static"
)

func mustPkg(t *testing.T, s string) domain.PackageName {
	t.Helper()
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		t.Fatalf("package %q: %v", s, err)
	}
	return pkg
}

func TestRunPassesOnFreshlyRegeneratedRepo(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()

	a := mustPkg(t, "app.example.a")
	b := mustPkg(t, "app.example.b")
	fpA := repotest.Fingerprint("a")
	fpB := repotest.Fingerprint("b")
	f.SeedRelease(t, a, domain.VersionCode(1), "", fpA, domain.UnixTimestamp(100))
	f.SeedRelease(t, b, domain.VersionCode(1), "", fpB, domain.UnixTimestamp(200))

	if err := static.Regenerate(ctx, f.Repo, f.Catalog, f.Key, static.Options{}); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	report, err := Run(ctx, f.Repo, f.Catalog)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected a clean report, got issues: %v", report.Issues)
	}
}

func TestRunCatchesTamperedAPK(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()

	a := mustPkg(t, "app.example.a")
	fp := repotest.Fingerprint("a")
	f.SeedRelease(t, a, domain.VersionCode(1), "", fp, domain.UnixTimestamp(100))

	if err := static.Regenerate(ctx, f.Repo, f.Catalog, f.Key, static.Options{}); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	if err := os.WriteFile(f.Repo.APKPath(a, domain.VersionCode(1)), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper with apk: %v", err)
	}

	report, err := Run(ctx, f.Repo, f.Catalog)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OK() {
		t.Fatal("expected the tampered apk's checksum mismatch to be reported")
	}
}

func TestRunCatchesMissingPublicKey(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()

	if err := os.Remove(f.Repo.PublicKeyPath()); err != nil {
		t.Fatalf("remove public key: %v", err)
	}

	if _, err := Run(ctx, f.Repo, f.Catalog); err == nil {
		t.Fatal("expected Run to fail without a public key on disk")
	}
}
