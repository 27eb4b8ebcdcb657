package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/inthewaves/apkrepo/internal/domain"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.sqlite")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustPkg(t *testing.T, s string) domain.PackageName {
	t.Helper()
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func TestUpsertAndGetApp(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	pkg := mustPkg(t, "app.attestation.auditor")

	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		return q.UpsertApp(App{Package: pkg, Label: "Auditor", HasLabel: true, LastUpdateTimestamp: 100})
	})
	if err != nil {
		t.Fatal(err)
	}

	var got App
	var ok bool
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		got, ok, err = q.GetApp(pkg)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Label != "Auditor" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestInsertReleaseAndReadBack(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	pkg := mustPkg(t, "app.attestation.auditor")
	sha := domain.NewBase64StringFromBytes([]byte("apk bytes"))
	fp := domain.NewHexStringFromBytes([]byte("cert"))

	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		if err := q.UpsertApp(App{Package: pkg, LastUpdateTimestamp: 1}); err != nil {
			return err
		}
		vc, _ := domain.NewVersionCode(24)
		return q.InsertRelease(Release{
			Package:                 pkg,
			VersionCode:             vc,
			VersionName:             "1.0",
			MinSdkVersion:           21,
			ReleaseTimestamp:        1,
			SHA256:                  sha,
			SigningCertFingerprints: []domain.HexString{fp},
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	var latest Release
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var ok bool
		var err error
		latest, ok, err = q.LatestRelease(pkg)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("expected a release")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if latest.VersionCode.Int64() != 24 || latest.SHA256.String() != sha.String() {
		t.Fatalf("got %+v", latest)
	}
}

func TestRollbackRunsCompensations(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	pkg := mustPkg(t, "app.attestation.auditor")

	ran := false
	wantErr := errors.New("boom")
	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		if err := q.UpsertApp(App{Package: pkg, LastUpdateTimestamp: 1}); err != nil {
			return err
		}
		q.OnRollback(func() error {
			ran = true
			return nil
		})
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if !ran {
		t.Fatal("expected compensation to run on rollback")
	}

	// The App row must not have survived the rollback.
	var ok bool
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		_, ok, err = q.GetApp(pkg)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected the upsert to have been rolled back")
	}
}

func TestReentrantTransactIsRejected(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		return c.Transact(ctx, func(ctx context.Context, q *Queries) error { return nil })
	})
	if !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("got %v, want ErrReentrantCall", err)
	}
}

func TestDeltaLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	pkg := mustPkg(t, "app.attestation.auditor")
	target, _ := domain.NewVersionCode(27)

	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		for _, base := range []int64{24, 25, 26} {
			baseVC, _ := domain.NewVersionCode(base)
			if err := q.UpsertDelta(Delta{
				Package:       pkg,
				BaseVersion:   baseVC,
				TargetVersion: target,
				FileSize:      100,
				SHA256:        domain.NewBase64StringFromBytes([]byte("x")),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var deltas []Delta
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		deltas, err = q.DeltasForTarget(pkg, target)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 3 || deltas[0].BaseVersion.Int64() != 26 {
		t.Fatalf("got %+v", deltas)
	}

	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		return q.DeleteDeltasForTarget(pkg, target)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		deltas, err = q.DeltasForTarget(pkg, target)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 0 {
		t.Fatalf("expected deltas deleted, got %+v", deltas)
	}
}

func TestDeleteDeltasNotForTarget(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	pkg := mustPkg(t, "app.attestation.auditor")
	oldTarget, _ := domain.NewVersionCode(25)
	newTarget, _ := domain.NewVersionCode(27)

	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		baseVC, _ := domain.NewVersionCode(24)
		if err := q.UpsertDelta(Delta{
			Package: pkg, BaseVersion: baseVC, TargetVersion: oldTarget,
			FileSize: 10, SHA256: domain.NewBase64StringFromBytes([]byte("x")),
		}); err != nil {
			return err
		}
		for _, base := range []int64{24, 25, 26} {
			baseVC, _ := domain.NewVersionCode(base)
			if err := q.UpsertDelta(Delta{
				Package: pkg, BaseVersion: baseVC, TargetVersion: newTarget,
				FileSize: 10, SHA256: domain.NewBase64StringFromBytes([]byte("y")),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		return q.DeleteDeltasNotForTarget(pkg, newTarget)
	})
	if err != nil {
		t.Fatal(err)
	}

	var oldDeltas, newDeltas []Delta
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		if oldDeltas, err = q.DeltasForTarget(pkg, oldTarget); err != nil {
			return err
		}
		newDeltas, err = q.DeltasForTarget(pkg, newTarget)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(oldDeltas) != 0 {
		t.Fatalf("expected stale rows targeting %d to be deleted, got %+v", oldTarget.Int64(), oldDeltas)
	}
	if len(newDeltas) != 3 {
		t.Fatalf("expected the 3 rows targeting %d to survive, got %+v", newTarget.Int64(), newDeltas)
	}
}

func TestGroupLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	pkg1 := mustPkg(t, "app.vanadium.trichromelibrary")
	pkg2 := mustPkg(t, "app.vanadium.webview")

	err := c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		if err := q.UpsertApp(App{Package: pkg1, LastUpdateTimestamp: 1}); err != nil {
			return err
		}
		if err := q.UpsertApp(App{Package: pkg2, LastUpdateTimestamp: 1}); err != nil {
			return err
		}
		if err := q.CreateGroup("chromium"); err != nil {
			return err
		}
		if err := q.SetPackageGroup(pkg1, "chromium", false); err != nil {
			return err
		}
		return q.SetPackageGroup(pkg2, "chromium", false)
	})
	if err != nil {
		t.Fatal(err)
	}

	var members []domain.PackageName
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		members, err = q.GroupMembers("chromium")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}

	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		return q.DeleteGroup("chromium")
	})
	if err != nil {
		t.Fatal(err)
	}
	var exists bool
	err = c.Transact(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		exists, err = q.GroupExists("chromium")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected group to be deleted")
	}
}
