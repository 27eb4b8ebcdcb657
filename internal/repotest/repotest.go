// Package repotest builds throwaway repository fixtures for the other
// internal packages' tests: a temp-dir layout.Repo, an open catalog.Catalog,
// and a generated signing key, plus helpers to seed synthetic releases
// without going through real APK parsing.
package repotest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"testing"

	"github.com/inthewaves/apkrepo/internal/catalog"
	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/layout"
	"github.com/inthewaves/apkrepo/internal/signing"
)

// Fixture bundles the pieces a component test needs.
type Fixture struct {
	Repo    *layout.Repo
	Catalog *catalog.Catalog
	Key     *signing.PrivateKey
}

// New creates a fresh repo rooted at t.TempDir(), opens its catalog, and
// generates an ECDSA P-256 signing key. The catalog is closed automatically
// via t.Cleanup.
func New(t *testing.T) *Fixture {
	t.Helper()

	dir := t.TempDir()
	repo, err := layout.New(dir)
	if err != nil {
		t.Fatalf("repotest: new repo: %v", err)
	}

	cat, err := catalog.Open(repo.DatabasePath())
	if err != nil {
		t.Fatalf("repotest: open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	key := generateKey(t, dir)

	f := &Fixture{Repo: repo, Catalog: cat, Key: key}
	f.WritePublicKey(t)
	return f
}

func generateKey(t *testing.T, dir string) *signing.PrivateKey {
	t.Helper()

	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("repotest: generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(raw)
	if err != nil {
		t.Fatalf("repotest: marshal key: %v", err)
	}
	path := dir + "/signing-key.p8"
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("repotest: write key: %v", err)
	}
	key, err := signing.ParsePrivateKey(path)
	if err != nil {
		t.Fatalf("repotest: parse key: %v", err)
	}
	return key
}

// WritePublicKey writes f.Key's public key PEM to f.Repo.PublicKeyPath(),
// as the insertion pipeline does on a repository's first `add`.
func (f *Fixture) WritePublicKey(t *testing.T) {
	t.Helper()
	pemStr, err := f.Key.DerivePublicKeyPEM()
	if err != nil {
		t.Fatalf("repotest: derive public key: %v", err)
	}
	if err := os.WriteFile(f.Repo.PublicKeyPath(), []byte(pemStr), 0o644); err != nil {
		t.Fatalf("repotest: write public key: %v", err)
	}
}

// SeedRelease writes a fake "<version>.apk" file (its bytes are content,
// not a parseable APK) and inserts the matching App/AppRelease rows,
// bypassing C2's real parsing so catalog/static/validate tests don't need
// a real signed APK fixture. label defaults to pkg's string form when
// empty. fingerprint is the signing-cert fingerprint recorded for this
// release; pass the same value across versions of a package to model
// continuity, or a different one to make a test exercise a mismatch. It
// returns the APK bytes written, so callers can compute the expected
// checksum themselves.
func (f *Fixture) SeedRelease(t *testing.T, pkg domain.PackageName, version domain.VersionCode, label string, fingerprint domain.HexString, timestamp domain.UnixTimestamp) []byte {
	t.Helper()

	if _, err := f.Repo.AppDir(pkg); err != nil {
		t.Fatalf("repotest: app dir: %v", err)
	}
	apkBytes := []byte(fmt.Sprintf("fake-apk-contents:%s:%d", pkg, version.Int64()))
	if err := os.WriteFile(f.Repo.APKPath(pkg, version), apkBytes, 0o644); err != nil {
		t.Fatalf("repotest: write apk: %v", err)
	}

	sum := sha256.Sum256(apkBytes)
	if label == "" {
		label = pkg.String()
	}

	err := f.Catalog.Transact(context.Background(), func(ctx context.Context, q *catalog.Queries) error {
		if err := q.UpsertApp(catalog.App{
			Package:             pkg,
			Label:               label,
			HasLabel:            true,
			LastUpdateTimestamp: timestamp,
		}); err != nil {
			return err
		}
		return q.InsertRelease(catalog.Release{
			Package:                 pkg,
			VersionCode:             version,
			VersionName:             fmt.Sprintf("%d.0", version.Int64()),
			ReleaseTimestamp:        timestamp,
			SHA256:                  domain.NewBase64StringFromBytes(sum[:]),
			SigningCertFingerprints: []domain.HexString{fingerprint},
		})
	})
	if err != nil {
		t.Fatalf("repotest: seed release %s/%d: %v", pkg, version.Int64(), err)
	}
	return apkBytes
}

// Fingerprint derives a deterministic, valid HexString fingerprint from a
// seed string, for tests that just need "some" certificate identity.
func Fingerprint(seed string) domain.HexString {
	sum := sha256.Sum256([]byte(seed))
	return domain.NewHexStringFromBytes(sum[:])
}
