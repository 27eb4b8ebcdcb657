// Package layout owns the repository directory tree: it is the only
// package permitted to synthesize paths under a repository root, so that
// a filesystem-unsafe package name or a stray file can never masquerade
// as part of the repository.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/inthewaves/apkrepo/internal/domain"
)

// deltaFilePattern matches "delta-<base>-to-<target>.gz" so stray files
// cannot be mistaken for generated deltas.
var deltaFilePattern = regexp.MustCompile(`^delta-(\d+)-to-(\d+)\.gz$`)

// apkFilePattern matches "<versionCode>.apk".
var apkFilePattern = regexp.MustCompile(`^(\d+)\.apk$`)

// Repo resolves every path the repository engine reads or writes under a
// single root directory.
type Repo struct {
	root string
}

// New validates that root is usable (it is created if absent) and returns
// a Repo rooted there.
func New(root string) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "apps"), 0o755); err != nil {
		return nil, fmt.Errorf("create apps directory: %w", err)
	}
	return &Repo{root: abs}, nil
}

// Root returns the repository's absolute root directory.
func (r *Repo) Root() string { return r.root }

// AppsDir returns "<root>/apps".
func (r *Repo) AppsDir() string { return filepath.Join(r.root, "apps") }

// AppDir returns "<root>/apps/<package>", creating it if absent.
func (r *Repo) AppDir(pkg domain.PackageName) (string, error) {
	dir := filepath.Join(r.AppsDir(), pkg.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create app dir for %s: %w", pkg, err)
	}
	return dir, nil
}

// APKPath returns "<root>/apps/<package>/<versionCode>.apk". It does not
// create the app directory; callers that are about to write should call
// AppDir first.
func (r *Repo) APKPath(pkg domain.PackageName, version domain.VersionCode) string {
	return filepath.Join(r.AppsDir(), pkg.String(), fmt.Sprintf("%d.apk", version.Int64()))
}

// IdsigPath returns the optional v4 idsig sidecar path for an APK.
func (r *Repo) IdsigPath(pkg domain.PackageName, version domain.VersionCode) string {
	return r.APKPath(pkg, version) + ".idsig"
}

// DeltaPath returns "<root>/apps/<package>/delta-<base>-to-<target>.gz".
func (r *Repo) DeltaPath(pkg domain.PackageName, base, target domain.VersionCode) string {
	return filepath.Join(r.AppsDir(), pkg.String(), fmt.Sprintf("delta-%d-to-%d.gz", base.Int64(), target.Int64()))
}

// LatestTxtPath returns the per-app signed metadata path.
func (r *Repo) LatestTxtPath(pkg domain.PackageName) string {
	return filepath.Join(r.AppsDir(), pkg.String(), "latest.txt")
}

// IconPath returns the optional per-app icon path.
func (r *Repo) IconPath(pkg domain.PackageName) string {
	return filepath.Join(r.AppsDir(), pkg.String(), "icon.png")
}

// IndexPath returns "<root>/apps/latest-index.txt".
func (r *Repo) IndexPath() string {
	return filepath.Join(r.AppsDir(), "latest-index.txt")
}

// BulkMetadataPath returns "<root>/apps/latest-bulk-metadata.txt".
func (r *Repo) BulkMetadataPath() string {
	return filepath.Join(r.AppsDir(), "latest-bulk-metadata.txt")
}

// PublicKeyPath returns "<root>/public-signing-key.pem".
func (r *Repo) PublicKeyPath() string {
	return filepath.Join(r.root, "public-signing-key.pem")
}

// DatabasePath returns "<root>/database.sqlite". This file is never
// published alongside the rest of the repository tree.
func (r *Repo) DatabasePath() string {
	return filepath.Join(r.root, "database.sqlite")
}

// ValidatePackageName checks a raw string against both the Android package
// grammar (via domain.NewPackageName) and the additional ext4 filename
// rules the repository layout relies on.
func ValidatePackageName(s string) (domain.PackageName, error) {
	pkg, err := domain.NewPackageName(s)
	if err != nil {
		return domain.PackageName{}, err
	}
	if strings.Contains(pkg.String(), string(filepath.Separator)) {
		return domain.PackageName{}, fmt.Errorf("package name %q contains a path separator", s)
	}
	return pkg, nil
}

// ListPackages returns every subdirectory of apps/ whose name validates as
// a package name, sorted ascending. Entries that fail validation are
// silently skipped: they are not part of the repository this layout owns.
func (r *Repo) ListPackages() ([]domain.PackageName, error) {
	entries, err := os.ReadDir(r.AppsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list apps directory: %w", err)
	}
	var pkgs []domain.PackageName
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkg, err := ValidatePackageName(e.Name())
		if err != nil {
			continue
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// ListAPKVersions returns the version codes of every "<n>.apk" file in a
// package's directory, ascending.
func (r *Repo) ListAPKVersions(pkg domain.PackageName) ([]domain.VersionCode, error) {
	dir := filepath.Join(r.AppsDir(), pkg.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var versions []domain.VersionCode
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := apkFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		vc, err := domain.NewVersionCode(n)
		if err != nil {
			continue
		}
		versions = append(versions, vc)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Int64() < versions[j].Int64() })
	return versions, nil
}

// ParsedDelta is a delta filename decomposed into its base and target
// version codes.
type ParsedDelta struct {
	Base   domain.VersionCode
	Target domain.VersionCode
	Name   string
}

// ListDeltas returns every delta file in a package's directory whose name
// matches the delta filename grammar, so that stray same-prefix files are
// never mistaken for generated deltas.
func (r *Repo) ListDeltas(pkg domain.PackageName) ([]ParsedDelta, error) {
	dir := filepath.Join(r.AppsDir(), pkg.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var deltas []ParsedDelta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pd, ok := ParseDeltaFilename(e.Name())
		if !ok {
			continue
		}
		deltas = append(deltas, pd)
	}
	return deltas, nil
}

// ParseDeltaFilename parses "delta-<base>-to-<target>.gz"; ok is false for
// anything else.
func ParseDeltaFilename(name string) (ParsedDelta, bool) {
	m := deltaFilePattern.FindStringSubmatch(name)
	if m == nil {
		return ParsedDelta{}, false
	}
	base, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ParsedDelta{}, false
	}
	target, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ParsedDelta{}, false
	}
	baseVC, err := domain.NewVersionCode(base)
	if err != nil {
		return ParsedDelta{}, false
	}
	targetVC, err := domain.NewVersionCode(target)
	if err != nil {
		return ParsedDelta{}, false
	}
	return ParsedDelta{Base: baseVC, Target: targetVC, Name: name}, true
}
