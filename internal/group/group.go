// Package group implements `group create|add|remove|delete|list`: the
// only operations that touch AppGroup membership (spec §4.9). Every
// mutating operation commits a catalog transaction and then leaves static
// regeneration to the caller, mirroring C6's "commit first, regenerate
// after" ordering so a regeneration failure never leaves the catalog
// mid-change.
package group

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/inthewaves/apkrepo/internal/apperr"
	"github.com/inthewaves/apkrepo/internal/catalog"
	"github.com/inthewaves/apkrepo/internal/domain"
)

// idPattern matches a short printable tag: letters, digits, dot, dash,
// underscore, disallowing leading/trailing separators so it is safe as a
// bare CLI argument and as a JSON string value.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// ValidateID checks a raw group-id argument.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return apperr.Newf(apperr.GroupDoesntExist, "invalid group id %q", id)
	}
	return nil
}

// Result reports what a mutating operation did, for the CLI to print.
type Result struct {
	// Warning is non-empty when the operation succeeded but only touched a
	// strict subset of the group's full membership (spec §4.9).
	Warning string
}

// Create makes a new, empty group, or one with initial membership if
// members is non-empty. It fails if the group already exists.
func Create(ctx context.Context, cat *catalog.Catalog, id string, members []domain.PackageName) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		exists, err := q.GroupExists(id)
		if err != nil {
			return err
		}
		if exists {
			return apperr.Newf(apperr.GroupDoesntExist, "group %q already exists", id)
		}
		if err := q.CreateGroup(id); err != nil {
			return err
		}
		for _, pkg := range members {
			if _, _, err := getApp(q, pkg); err != nil {
				return err
			}
			if err := q.SetPackageGroup(pkg, id, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Add assigns packages to an existing group. If packages is a strict
// subset of the group's resulting full membership (i.e. the group already
// has other members not present in this batch), Result.Warning is set:
// clients expect a group's members to update atomically, so a partial
// batch is surfaced but not rejected.
func Add(ctx context.Context, cat *catalog.Catalog, id string, packages []domain.PackageName) (Result, error) {
	var res Result
	err := cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		exists, err := q.GroupExists(id)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.Newf(apperr.GroupDoesntExist, "no such group %q", id)
		}
		before, err := q.GroupMembers(id)
		if err != nil {
			return err
		}
		for _, pkg := range packages {
			if _, _, err := getApp(q, pkg); err != nil {
				return err
			}
			if err := q.SetPackageGroup(pkg, id, false); err != nil {
				return err
			}
		}
		after, err := q.GroupMembers(id)
		if err != nil {
			return err
		}
		if isStrictSubset(packages, after) && len(before) > 0 {
			res.Warning = fmt.Sprintf("batch updated %d of %d members of group %q; clients expect groups to update atomically",
				len(packages), len(after), id)
		}
		return nil
	})
	return res, err
}

// Remove clears the group field on the named packages. Packages not
// currently in the group are left untouched.
func Remove(ctx context.Context, cat *catalog.Catalog, id string, packages []domain.PackageName) error {
	return cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		exists, err := q.GroupExists(id)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.Newf(apperr.GroupDoesntExist, "no such group %q", id)
		}
		for _, pkg := range packages {
			app, _, err := getApp(q, pkg)
			if err != nil {
				return err
			}
			if !app.HasGroup || app.GroupID != id {
				continue
			}
			if err := q.SetPackageGroup(pkg, "", true); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete detaches every member of the group and removes it.
func Delete(ctx context.Context, cat *catalog.Catalog, id string) error {
	return cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		exists, err := q.GroupExists(id)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.Newf(apperr.GroupDoesntExist, "no such group %q", id)
		}
		return q.DeleteGroup(id)
	})
}

// Listing is one group and its current members, for `group list`.
type Listing struct {
	ID      string
	Members []domain.PackageName
}

// List returns every group, ascending by id, with its members.
func List(ctx context.Context, cat *catalog.Catalog) ([]Listing, error) {
	var out []Listing
	err := cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		ids, err := q.ListGroups()
		if err != nil {
			return err
		}
		sort.Strings(ids)
		for _, id := range ids {
			members, err := q.GroupMembers(id)
			if err != nil {
				return err
			}
			out = append(out, Listing{ID: id, Members: members})
		}
		return nil
	})
	return out, err
}

func getApp(q *catalog.Queries, pkg domain.PackageName) (catalog.App, bool, error) {
	app, ok, err := q.GetApp(pkg)
	if err != nil {
		return catalog.App{}, false, err
	}
	if !ok {
		return catalog.App{}, false, apperr.ForPackage(apperr.GroupDoesntExist, pkg.String(), fmt.Errorf("no such package in catalog"))
	}
	return app, true, nil
}

// isStrictSubset reports whether batch is a non-empty, proper subset of
// full (every batch element appears in full, and full has at least one
// element not in batch).
func isStrictSubset(batch []domain.PackageName, full []domain.PackageName) bool {
	if len(batch) == 0 || len(batch) >= len(full) {
		return false
	}
	set := make(map[string]struct{}, len(batch))
	for _, p := range batch {
		set[p.String()] = struct{}{}
	}
	for _, p := range full {
		if _, ok := set[p.String()]; !ok {
			return true
		}
	}
	return false
}
