package group

import (
	"context"
	"testing"

	"github.com/inthewaves/apkrepo/internal/apperr"
	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/repotest"
)

func mustPkg(t *testing.T, s string) domain.PackageName {
	t.Helper()
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		t.Fatalf("package %q: %v", s, err)
	}
	return pkg
}

func TestCreateAddRemoveDelete(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()

	a := mustPkg(t, "app.vanadium.trichromelibrary")
	b := mustPkg(t, "app.vanadium.webview")
	c := mustPkg(t, "org.chromium.chrome")
	fp := repotest.Fingerprint("chromium")
	for _, pkg := range []domain.PackageName{a, b, c} {
		f.SeedRelease(t, pkg, domain.VersionCode(1), "", fp, domain.UnixTimestamp(1000))
	}

	if err := Create(ctx, f.Catalog, "chromium", []domain.PackageName{a, b, c}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	listings, err := List(ctx, f.Catalog)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listings) != 1 || listings[0].ID != "chromium" || len(listings[0].Members) != 3 {
		t.Fatalf("unexpected listing: %+v", listings)
	}

	if err := Remove(ctx, f.Catalog, "chromium", []domain.PackageName{a}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	listings, err = List(ctx, f.Catalog)
	if err != nil {
		t.Fatalf("List after remove: %v", err)
	}
	if len(listings[0].Members) != 2 {
		t.Fatalf("expected 2 members after remove, got %d", len(listings[0].Members))
	}

	res, err := Add(ctx, f.Catalog, "chromium", []domain.PackageName{a})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Warning == "" {
		t.Fatalf("expected a strict-subset warning re-adding one of three members")
	}

	if err := Delete(ctx, f.Catalog, "chromium"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	listings, err = List(ctx, f.Catalog)
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(listings) != 0 {
		t.Fatalf("expected no groups after delete, got %+v", listings)
	}
}

func TestAddUnknownGroup(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()
	pkg := mustPkg(t, "app.example.foo")
	f.SeedRelease(t, pkg, domain.VersionCode(1), "", repotest.Fingerprint("x"), domain.UnixTimestamp(1))

	_, err := Add(ctx, f.Catalog, "nosuchgroup", []domain.PackageName{pkg})
	if err == nil {
		t.Fatal("expected an error adding to a nonexistent group")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.GroupDoesntExist {
		t.Fatalf("expected GroupDoesntExist, got %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	f := repotest.New(t)
	ctx := context.Background()
	if err := Create(ctx, f.Catalog, "g1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Create(ctx, f.Catalog, "g1", nil); err == nil {
		t.Fatal("expected an error creating a duplicate group")
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("chromium"); err != nil {
		t.Fatalf("expected chromium to validate: %v", err)
	}
	if err := ValidateID(""); err == nil {
		t.Fatal("expected empty id to be rejected")
	}
	if err := ValidateID("-leading-dash"); err == nil {
		t.Fatal("expected leading dash to be rejected")
	}
}
