package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inthewaves/apkrepo/internal/domain"
)

func mustPkg(t *testing.T, s string) domain.PackageName {
	t.Helper()
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func TestPathResolution(t *testing.T) {
	repo, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pkg := mustPkg(t, "app.attestation.auditor")
	v24, _ := domain.NewVersionCode(24)
	v25, _ := domain.NewVersionCode(25)

	if got, want := repo.APKPath(pkg, v24), filepath.Join(repo.AppsDir(), "app.attestation.auditor", "24.apk"); got != want {
		t.Fatalf("APKPath = %q, want %q", got, want)
	}
	if got, want := repo.DeltaPath(pkg, v24, v25), filepath.Join(repo.AppsDir(), "app.attestation.auditor", "delta-24-to-25.gz"); got != want {
		t.Fatalf("DeltaPath = %q, want %q", got, want)
	}
	if got, want := repo.IdsigPath(pkg, v24), repo.APKPath(pkg, v24)+".idsig"; got != want {
		t.Fatalf("IdsigPath = %q, want %q", got, want)
	}
}

func TestValidatePackageNameRejectsUnsafeNames(t *testing.T) {
	for _, s := range []string{"", ".", "..", "com/evil", "not_a_domain", "a..b.c"} {
		if _, err := ValidatePackageName(s); err == nil {
			t.Errorf("ValidatePackageName(%q) accepted an unsafe name", s)
		}
	}
	if _, err := ValidatePackageName("org.chromium.chrome"); err != nil {
		t.Errorf("ValidatePackageName rejected a valid name: %v", err)
	}
}

func TestParseDeltaFilename(t *testing.T) {
	cases := []struct {
		name   string
		wantOK bool
		base   int64
		target int64
	}{
		{"delta-24-to-27.gz", true, 24, 27},
		{"delta-1-to-2.gz", true, 1, 2},
		{"delta-24-to-27.zip", false, 0, 0},
		{"24.apk", false, 0, 0},
		{"delta-to-27.gz", false, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pd, ok := ParseDeltaFilename(tc.name)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if pd.Base.Int64() != tc.base || pd.Target.Int64() != tc.target {
				t.Fatalf("parsed (%d, %d), want (%d, %d)", pd.Base.Int64(), pd.Target.Int64(), tc.base, tc.target)
			}
		})
	}
}

func TestListAPKVersionsSortedAscending(t *testing.T) {
	repo, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pkg := mustPkg(t, "app.attestation.auditor")
	if _, err := repo.AppDir(pkg); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{27, 24, 26, 25} {
		vc, _ := domain.NewVersionCode(n)
		writeEmpty(t, repo.APKPath(pkg, vc))
	}
	writeEmpty(t, filepath.Join(repo.AppsDir(), pkg.String(), "delta-24-to-27.gz"))

	versions, err := repo.ListAPKVersions(pkg)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{24, 25, 26, 27}
	if len(versions) != len(want) {
		t.Fatalf("got %d versions, want %d", len(versions), len(want))
	}
	for i, v := range versions {
		if v.Int64() != want[i] {
			t.Fatalf("versions[%d] = %d, want %d", i, v.Int64(), want[i])
		}
	}
}

func TestListDeltas(t *testing.T) {
	repo, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pkg := mustPkg(t, "app.attestation.auditor")
	dir, err := repo.AppDir(pkg)
	if err != nil {
		t.Fatal(err)
	}
	writeEmpty(t, filepath.Join(dir, "delta-24-to-27.gz"))
	writeEmpty(t, filepath.Join(dir, "delta-25-to-27.gz"))
	writeEmpty(t, filepath.Join(dir, "not-a-delta.txt"))

	deltas, err := repo.ListDeltas(pkg)
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
}

func writeEmpty(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}
