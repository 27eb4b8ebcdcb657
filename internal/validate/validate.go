// Package validate implements `validate`: it re-reads the repository from
// disk, verifies every signature, reconciles with the catalog, and
// re-applies every delta against its base APK to confirm the result
// matches the target's recorded digest (spec §4.8).
package validate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/inthewaves/apkrepo/internal/catalog"
	"github.com/inthewaves/apkrepo/internal/delta"
	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/layout"
	"github.com/inthewaves/apkrepo/internal/signing"
	"github.com/inthewaves/apkrepo/internal/static"
)

// Issue is one discrepancy found in the repository.
type Issue struct {
	Package  string // "" for a top-level (index/bulk) issue
	Artifact string
	Message  string
}

func (i Issue) String() string {
	if i.Package == "" {
		return fmt.Sprintf("%s: %s", i.Artifact, i.Message)
	}
	return fmt.Sprintf("%s (%s): %s", i.Package, i.Artifact, i.Message)
}

// Report accumulates every Issue found by a single Run.
type Report struct {
	Issues []Issue
}

// OK reports whether the repository passed every check.
func (r *Report) OK() bool { return len(r.Issues) == 0 }

func (r *Report) add(pkg, artifact, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Package: pkg, Artifact: artifact, Message: fmt.Sprintf(format, args...)})
}

// Run validates the whole repository rooted at repo against cat, using
// the public key stored at repo.PublicKeyPath(). It never returns early
// on a discrepancy: every package is checked so the report is complete.
func Run(ctx context.Context, repo *layout.Repo, cat *catalog.Catalog) (*Report, error) {
	report := &Report{}

	pubPEM, err := os.ReadFile(repo.PublicKeyPath())
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, kind, err := signing.ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	packages, err := repo.ListPackages()
	if err != nil {
		return nil, fmt.Errorf("list packages on disk: %w", err)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].String() < packages[j].String() })

	perPackageTimestamp := make(map[string]int64, len(packages))

	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ts, ok := validatePackage(ctx, report, repo, cat, pub, kind, pkg)
		if ok {
			perPackageTimestamp[pkg.String()] = ts
		}
	}

	validateIndex(report, repo, pub, kind, perPackageTimestamp)
	validateBulk(report, repo, pub, kind, perPackageTimestamp, packages)

	return report, nil
}

// validatePackage checks one package's latest.txt, its on-disk APKs, its
// deltas, and its catalog-recorded signing-cert continuity. It returns the
// metadata's lastUpdateTimestamp and true on success so the index/bulk
// checks can cross-reference it.
func validatePackage(ctx context.Context, report *Report, repo *layout.Repo, cat *catalog.Catalog, pub any, kind signing.KeyKind, pkg domain.PackageName) (int64, bool) {
	raw, err := os.ReadFile(repo.LatestTxtPath(pkg))
	if err != nil {
		report.add(pkg.String(), "latest.txt", "cannot read: %v", err)
		return 0, false
	}
	ok, payload, err := signing.VerifyAll(bytes.NewReader(raw), pub, kind)
	if err != nil {
		report.add(pkg.String(), "latest.txt", "malformed signature header: %v", err)
		return 0, false
	}
	if !ok {
		report.add(pkg.String(), "latest.txt", "signature verification failed")
		return 0, false
	}

	var meta static.AppMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		report.add(pkg.String(), "latest.txt", "invalid JSON: %v", err)
		return 0, false
	}

	versions, err := repo.ListAPKVersions(pkg)
	if err != nil || len(versions) == 0 {
		report.add(pkg.String(), "apk", "no APK files on disk")
		return meta.LastUpdateTimestamp, false
	}
	maxVersion := versions[len(versions)-1]
	if maxVersion.Int64() != meta.LatestVersionCode {
		report.add(pkg.String(), "latest.txt", "latestVersionCode %d does not match highest on-disk APK %d",
			meta.LatestVersionCode, maxVersion.Int64())
	}

	apkBytes, err := os.ReadFile(repo.APKPath(pkg, maxVersion))
	if err != nil {
		report.add(pkg.String(), "apk", "cannot read %d.apk: %v", maxVersion.Int64(), err)
	} else {
		sum := domain.NewBase64StringFromBytes(sha256Sum(apkBytes))
		if sum.String() != meta.SHA256Checksum {
			report.add(pkg.String(), "apk", "sha256Checksum mismatch for version %d", maxVersion.Int64())
		}
	}

	for _, d := range meta.DeltaInfo {
		base, err := domain.NewVersionCode(d.VersionCode)
		if err != nil {
			report.add(pkg.String(), "delta", "invalid base version code %d", d.VersionCode)
			continue
		}
		validateDelta(report, repo, pkg, base, maxVersion, d.SHA256Checksum, meta.SHA256Checksum)
	}

	validateSigningContinuity(ctx, report, cat, pkg)

	return meta.LastUpdateTimestamp, true
}

func validateDelta(report *Report, repo *layout.Repo, pkg domain.PackageName, base, target domain.VersionCode, wantDeltaSHA, targetSHA string) {
	path := repo.DeltaPath(pkg, base, target)
	gzipped, err := os.ReadFile(path)
	if err != nil {
		report.add(pkg.String(), "delta", "%d->%d: cannot read: %v", base.Int64(), target.Int64(), err)
		return
	}
	if sum := domain.NewBase64StringFromBytes(sha256Sum(gzipped)).String(); sum != wantDeltaSHA {
		report.add(pkg.String(), "delta", "%d->%d: sha256Checksum mismatch", base.Int64(), target.Int64())
	}

	result, err := delta.Apply(nil, repo.APKPath(pkg, base), path, false)
	if err != nil {
		report.add(pkg.String(), "delta", "%d->%d: not a valid gzip/patch stream: %v", base.Int64(), target.Int64(), err)
		return
	}
	gotSHA := domain.NewBase64StringFromBytes(sha256Sum(result)).String()
	if gotSHA != targetSHA {
		report.add(pkg.String(), "delta", "%d->%d: applying the delta to the base APK does not reproduce the target's digest",
			base.Int64(), target.Int64())
	}
}

// validateSigningContinuity checks that every pair of the package's
// recorded releases shares at least one signing-certificate fingerprint.
func validateSigningContinuity(ctx context.Context, report *Report, cat *catalog.Catalog, pkg domain.PackageName) {
	var releases []catalog.Release
	err := cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		var err error
		releases, err = q.ReleasesDescending(pkg)
		return err
	})
	if err != nil {
		report.add(pkg.String(), "catalog", "cannot read releases: %v", err)
		return
	}
	for i := 0; i < len(releases); i++ {
		for j := i + 1; j < len(releases); j++ {
			if !sharesFingerprint(releases[i].SigningCertFingerprints, releases[j].SigningCertFingerprints) {
				report.add(pkg.String(), "signing", "release %d and %d share no signing certificate",
					releases[i].VersionCode.Int64(), releases[j].VersionCode.Int64())
			}
		}
	}
}

func sharesFingerprint(a, b []domain.HexString) bool {
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x.String()] = struct{}{}
	}
	for _, x := range b {
		if _, ok := set[x.String()]; ok {
			return true
		}
	}
	return false
}

// validateIndex checks latest-index.txt's signature and its timestamps
// against every package's own lastUpdateTimestamp.
func validateIndex(report *Report, repo *layout.Repo, pub any, kind signing.KeyKind, perPackageTimestamp map[string]int64) {
	raw, err := os.ReadFile(repo.IndexPath())
	if err != nil {
		report.add("", "latest-index.txt", "cannot read: %v", err)
		return
	}
	ok, payload, err := signing.VerifyAll(bytes.NewReader(raw), pub, kind)
	if err != nil || !ok {
		report.add("", "latest-index.txt", "signature verification failed")
		return
	}

	lines := strings.Split(strings.TrimRight(string(payload), "\n"), "\n")
	if len(lines) == 0 {
		report.add("", "latest-index.txt", "empty payload, expected a timestamp line")
		return
	}
	indexTimestamp, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		report.add("", "latest-index.txt", "first line is not a timestamp: %q", lines[0])
		return
	}
	for _, ts := range perPackageTimestamp {
		if ts > indexTimestamp {
			report.add("", "latest-index.txt", "index timestamp %d is older than a package timestamp %d", indexTimestamp, ts)
			break
		}
	}

	var prevPkg string
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			report.add("", "latest-index.txt", "malformed line %q", line)
			continue
		}
		if prevPkg != "" && fields[0] < prevPkg {
			report.add("", "latest-index.txt", "packages are not in ascending order at %q", fields[0])
		}
		prevPkg = fields[0]
	}
}

// validateBulk checks latest-bulk-metadata.txt's signature and that its
// set of per-app JSON objects equals the set derivable from every
// package's own latest.txt.
func validateBulk(report *Report, repo *layout.Repo, pub any, kind signing.KeyKind, perPackageTimestamp map[string]int64, packages []domain.PackageName) {
	raw, err := os.ReadFile(repo.BulkMetadataPath())
	if err != nil {
		report.add("", "latest-bulk-metadata.txt", "cannot read: %v", err)
		return
	}
	ok, payload, err := signing.VerifyAll(bytes.NewReader(raw), pub, kind)
	if err != nil || !ok {
		report.add("", "latest-bulk-metadata.txt", "signature verification failed")
		return
	}

	lines := strings.Split(strings.TrimRight(string(payload), "\n"), "\n")
	if len(lines) == 0 {
		report.add("", "latest-bulk-metadata.txt", "empty payload, expected a timestamp line")
		return
	}
	if _, err := strconv.ParseInt(lines[0], 10, 64); err != nil {
		report.add("", "latest-bulk-metadata.txt", "first line is not a timestamp: %q", lines[0])
		return
	}

	bodyLines := make(map[string]bool, len(lines))
	var prevPkg string
	for _, line := range lines[1:] {
		var meta static.AppMetadata
		if err := json.Unmarshal([]byte(line), &meta); err != nil {
			report.add("", "latest-bulk-metadata.txt", "invalid JSON line: %v", err)
			continue
		}
		if prevPkg != "" && meta.Package < prevPkg {
			report.add("", "latest-bulk-metadata.txt", "packages are not in ascending order at %q", meta.Package)
		}
		prevPkg = meta.Package
		bodyLines[line] = true
	}
	for _, pkg := range packages {
		latestRaw, _ := os.ReadFile(repo.LatestTxtPath(pkg))
		perApp, _ := signing.SplitHeaderAndPayload(latestRaw)
		if !bodyLines[string(perApp)] {
			report.add(pkg.String(), "latest-bulk-metadata.txt", "package's latest.txt object is missing from the bulk metadata body")
		}
	}
	if n := len(lines) - 1; n > len(packages) {
		report.add("", "latest-bulk-metadata.txt", "body has %d lines for %d packages on disk", n, len(packages))
	}
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
