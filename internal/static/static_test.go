package static

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/repotest"
	"github.com/inthewaves/apkrepo/internal/signing"
)

func mustPkg(t *testing.T, s string) domain.PackageName {
	t.Helper()
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		t.Fatalf("package %q: %v", s, err)
	}
	return pkg
}

func TestRegenerateWritesSignedPerAppAndAggregateFiles(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()

	pkg := mustPkg(t, "app.example.foo")
	fp := repotest.Fingerprint("foo")
	f.SeedRelease(t, pkg, domain.VersionCode(2), "Foo", fp, domain.UnixTimestamp(500))

	if err := Regenerate(ctx, f.Repo, f.Catalog, f.Key, Options{}); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	pemStr, err := f.Key.DerivePublicKeyPEM()
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	pub, kind, err := signing.ParsePublicKeyPEM([]byte(pemStr))
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}

	raw, err := os.ReadFile(f.Repo.LatestTxtPath(pkg))
	if err != nil {
		t.Fatalf("read latest.txt: %v", err)
	}
	ok, payload, err := signing.VerifyAll(bytes.NewReader(raw), pub, kind)
	if err != nil || !ok {
		t.Fatalf("verify latest.txt: ok=%v err=%v", ok, err)
	}
	var meta AppMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.Package != pkg.String() || meta.LatestVersionCode != 2 || meta.Label != "Foo" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.GroupID != nil {
		t.Fatalf("expected no group, got %v", *meta.GroupID)
	}

	bulkRaw, err := os.ReadFile(f.Repo.BulkMetadataPath())
	if err != nil {
		t.Fatalf("read bulk metadata: %v", err)
	}
	if ok, _, err := signing.VerifyAll(bytes.NewReader(bulkRaw), pub, kind); err != nil || !ok {
		t.Fatalf("verify bulk metadata: ok=%v err=%v", ok, err)
	}

	indexRaw, err := os.ReadFile(f.Repo.IndexPath())
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if ok, _, err := signing.VerifyAll(bytes.NewReader(indexRaw), pub, kind); err != nil || !ok {
		t.Fatalf("verify index: ok=%v err=%v", ok, err)
	}
}

func TestRegenerateIsIdempotent(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()

	a := mustPkg(t, "app.example.a")
	fp := repotest.Fingerprint("a")
	f.SeedRelease(t, a, domain.VersionCode(1), "", fp, domain.UnixTimestamp(1))

	pemStr, err := f.Key.DerivePublicKeyPEM()
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	pub, kind, err := signing.ParsePublicKeyPEM([]byte(pemStr))
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}

	if err := Regenerate(ctx, f.Repo, f.Catalog, f.Key, Options{}); err != nil {
		t.Fatalf("first Regenerate: %v", err)
	}
	raw, err := os.ReadFile(f.Repo.LatestTxtPath(a))
	if err != nil {
		t.Fatalf("read latest.txt: %v", err)
	}
	_, first, err := signing.VerifyAll(bytes.NewReader(raw), pub, kind)
	if err != nil {
		t.Fatalf("verify first run: %v", err)
	}

	if err := Regenerate(ctx, f.Repo, f.Catalog, f.Key, Options{}); err != nil {
		t.Fatalf("second Regenerate: %v", err)
	}
	raw, err = os.ReadFile(f.Repo.LatestTxtPath(a))
	if err != nil {
		t.Fatalf("read latest.txt after second run: %v", err)
	}
	_, second, err := signing.VerifyAll(bytes.NewReader(raw), pub, kind)
	if err != nil {
		t.Fatalf("verify second run: %v", err)
	}
	// ECDSA signatures are randomized, so only the signed payload (not the
	// raw file bytes) is expected to stay the same across runs.
	if !bytes.Equal(first, second) {
		t.Fatalf("expected the signed metadata payload to be the same across runs")
	}
}
