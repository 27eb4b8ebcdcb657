// Package insert is the top-level orchestrator for `add`: it parses APKs,
// groups them by package, enforces version and signing-cert continuity,
// copies bytes into the C3 layout, updates the C4 catalog, and fans out
// C5 delta generation.
package insert

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/inthewaves/apkrepo/internal/apk"
	"github.com/inthewaves/apkrepo/internal/apperr"
	"github.com/inthewaves/apkrepo/internal/catalog"
	"github.com/inthewaves/apkrepo/internal/delta"
	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/layout"
	"github.com/inthewaves/apkrepo/internal/signing"
)

// ParseFunc matches apk.Parse's signature; tests substitute a fake so they
// don't need real APK fixtures on disk.
type ParseFunc func(path string, opts apk.Options) (*apk.Info, error)

// PromptNotesFunc is asked once per package (for the batch's most recent
// version only) for Markdown release notes. ok=false means the operator
// declined or --skip-notes was passed.
type PromptNotesFunc func(pkg domain.PackageName, version domain.VersionCode) (markdown string, ok bool, err error)

// NowFunc returns the current time as a UnixTimestamp; overridable in
// tests so clock-bump behavior (never going backwards) is checkable
// deterministically.
type NowFunc func() domain.UnixTimestamp

// Orchestrator wires together the layout, catalog, and delta generator for
// one `add` invocation.
type Orchestrator struct {
	Repo    *layout.Repo
	Catalog *catalog.Catalog
	Delta   *delta.Generator
	Key     *signing.PrivateKey

	Parse       ParseFunc
	PromptNotes PromptNotesFunc
	Now         NowFunc

	// K is the number of historical base versions kept as deltas against
	// each package's newest version. Zero means delta.DefaultK.
	K int
}

func (o *Orchestrator) k() int {
	if o.K > 0 {
		return o.K
	}
	return delta.DefaultK
}

func (o *Orchestrator) now() domain.UnixTimestamp {
	if o.Now != nil {
		return o.Now()
	}
	return domain.UnixTimestamp(0)
}

func (o *Orchestrator) parse() ParseFunc {
	if o.Parse != nil {
		return o.Parse
	}
	return apk.Parse
}

// PackageResult is the outcome of inserting one package's batch of APKs.
type PackageResult struct {
	Package          domain.PackageName
	InsertedVersions []domain.VersionCode
	DeltasGenerated  []domain.VersionCode // base versions a delta was (re)built against
	Err              error
}

// InsertAPKs runs the full pipeline described in the component design's
// insertion-pipeline steps 1-8, except the final static-file regeneration
// handoff (step 8), which the caller triggers explicitly after inspecting
// results so a CLI can report per-package failures first.
func (o *Orchestrator) InsertAPKs(ctx context.Context, apkPaths []string) ([]PackageResult, error) {
	infos, err := o.parseAll(ctx, apkPaths)
	if err != nil {
		return nil, err
	}

	if err := o.reconcileSigningKey(); err != nil {
		return nil, err
	}

	byPackage := groupByPackage(infos)

	results := make([]PackageResult, 0, len(byPackage))
	for _, pkgName := range sortedKeys(byPackage) {
		pkg, err := domain.NewPackageName(pkgName)
		if err != nil {
			results = append(results, PackageResult{Err: apperr.Newf(apperr.AppDetailParseFailed, "invalid package name %q: %v", pkgName, err)})
			continue
		}
		results = append(results, o.insertPackage(ctx, pkg, byPackage[pkgName]))
	}
	return results, nil
}

func (o *Orchestrator) parseAll(ctx context.Context, apkPaths []string) ([]*apk.Info, error) {
	infos := make([]*apk.Info, len(apkPaths))
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	parse := o.parse()

	for i, path := range apkPaths {
		i, path := i, path
		eg.Go(func() error {
			info, err := parse(path, apk.Options{})
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, apperr.New(apperr.AppDetailParseFailed, err)
	}
	return infos, nil
}

func (o *Orchestrator) reconcileSigningKey() error {
	pemStr, err := o.Key.DerivePublicKeyPEM()
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	path := o.Repo.PublicKeyPath()
	existing, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(path, []byte(pemStr), 0o644)
	}
	if err != nil {
		return fmt.Errorf("read stored public key: %w", err)
	}
	if string(existing) != pemStr {
		return apperr.New(apperr.RepoSigningKeyMismatch, fmt.Errorf("signing key does not match %s", path))
	}
	return nil
}

func groupByPackage(infos []*apk.Info) map[string][]*apk.Info {
	byPackage := make(map[string][]*apk.Info)
	for _, info := range infos {
		key := info.PackageName.String()
		byPackage[key] = append(byPackage[key], info)
	}
	for _, group := range byPackage {
		sort.Slice(group, func(i, j int) bool { return group[i].VersionCode.Int64() < group[j].VersionCode.Int64() })
	}
	return byPackage
}

func sortedKeys(m map[string][]*apk.Info) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// insertPackage runs the continuity checks, the catalog+file copy
// transaction, and delta (re)generation for one package. A failure at any
// stage is isolated to this package: it never prevents other packages in
// the same InsertAPKs call from proceeding.
func (o *Orchestrator) insertPackage(ctx context.Context, pkg domain.PackageName, infos []*apk.Info) PackageResult {
	result := PackageResult{Package: pkg}

	var existingMax domain.VersionCode
	var hasExisting bool
	var existingReleases []catalog.Release
	err := o.Catalog.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		var err error
		existingMax, hasExisting, err = q.MaxVersionCode(pkg)
		if err != nil {
			return err
		}
		existingReleases, err = q.ReleasesDescending(pkg)
		return err
	})
	if err != nil {
		result.Err = apperr.ForPackage(apperr.InsertFailed, pkg.String(), err)
		return result
	}

	if hasExisting && infos[0].VersionCode.Int64() <= existingMax.Int64() {
		result.Err = apperr.ForPackage(apperr.MoreRecentVersionInRepo, pkg.String(),
			fmt.Errorf("version %d <= current max %d", infos[0].VersionCode.Int64(), existingMax.Int64()))
		return result
	}
	for i := 1; i < len(infos); i++ {
		if infos[i].VersionCode.Int64() <= infos[i-1].VersionCode.Int64() {
			result.Err = apperr.ForPackage(apperr.MoreRecentVersionInRepo, pkg.String(),
				fmt.Errorf("batch contains non-increasing version codes (%d then %d)",
					infos[i-1].VersionCode.Int64(), infos[i].VersionCode.Int64()))
			return result
		}
	}

	// Every Release in a package must share at least one fingerprint with
	// every other Release in that package, not merely with the union of
	// fingerprints seen so far: A={x}, B={x,y}, C={y} all intersect the
	// union {x,y} but A and C share nothing. Check each new release against
	// every prior release individually, matching validateSigningContinuity.
	priorSets := make([][]domain.HexString, len(existingReleases))
	for i, r := range existingReleases {
		priorSets[i] = r.SigningCertFingerprints
	}
	for _, info := range infos {
		for _, prior := range priorSets {
			if !intersects(prior, info.CertFingerprints) {
				result.Err = apperr.ForPackage(apperr.ApkSigningCertMismatch, pkg.String(),
					fmt.Errorf("version %d shares no signing certificate with a release already in the package", info.VersionCode.Int64()))
				return result
			}
		}
		priorSets = append(priorSets, info.CertFingerprints)
	}

	var notes string
	var hasNotes bool
	if o.PromptNotes != nil {
		newest := infos[len(infos)-1]
		var err error
		notes, hasNotes, err = o.PromptNotes(pkg, newest.VersionCode)
		if err != nil {
			result.Err = apperr.ForPackage(apperr.InsertFailed, pkg.String(), fmt.Errorf("prompt release notes: %w", err))
			return result
		}
	}

	now := o.now()
	var copiedFiles []string
	err = o.Catalog.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		app, _, err := q.GetApp(pkg)
		if err != nil {
			return err
		}

		label := infos[len(infos)-1].Label
		lastUpdate := now
		if app.LastUpdateTimestamp > 0 {
			lastUpdate = domain.NextTimestamp(app.LastUpdateTimestamp, now)
		}
		if err := q.UpsertApp(catalog.App{
			Package:             pkg,
			Label:               label,
			HasLabel:            label != "",
			GroupID:             app.GroupID,
			HasGroup:            app.HasGroup,
			LastUpdateTimestamp: lastUpdate,
		}); err != nil {
			return err
		}

		for i, info := range infos {
			if err := o.copyIntoPlace(q, pkg, info, &copiedFiles); err != nil {
				return err
			}

			var markdown string
			var has bool
			if i == len(infos)-1 {
				markdown, has = notes, hasNotes
			}
			if err := q.InsertRelease(catalog.Release{
				Package:                 pkg,
				VersionCode:             info.VersionCode,
				VersionName:             info.VersionName,
				MinSdkVersion:           int(info.MinSDK),
				ReleaseTimestamp:        now,
				SHA256:                  domain.NewBase64StringFromBytes(info.SHA256[:]),
				V4SHA256:                info.V4Fingerprint,
				HasV4SHA256:             !info.V4Fingerprint.IsZero(),
				SigningCertFingerprints: info.CertFingerprints,
				ReleaseNotesMarkdown:    markdown,
				HasReleaseNotes:         has,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		result.Err = apperr.ForPackage(apperr.InsertFailed, pkg.String(), err)
		return result
	}

	for _, info := range infos {
		result.InsertedVersions = append(result.InsertedVersions, info.VersionCode)
	}

	if err := o.regenerateDeltas(ctx, pkg, copiedFiles); err != nil {
		result.Err = apperr.ForPackage(apperr.InsertFailed, pkg.String(), fmt.Errorf("delta generation: %w", err))
		return result
	}
	if versions, err := o.Repo.ListAPKVersions(pkg); err == nil && len(versions) > 0 {
		result.DeltasGenerated = priorVersions(versions, versions[len(versions)-1], o.k())
	}
	return result
}

func (o *Orchestrator) copyIntoPlace(q *catalog.Queries, pkg domain.PackageName, info *apk.Info, copiedFiles *[]string) error {
	if _, err := o.Repo.AppDir(pkg); err != nil {
		return err
	}
	dst := o.Repo.APKPath(pkg, info.VersionCode)
	if err := copyFile(info.FilePath, dst); err != nil {
		return fmt.Errorf("copy apk into place: %w", err)
	}
	*copiedFiles = append(*copiedFiles, dst)
	q.OnRollback(func() error { return os.Remove(dst) })

	idsigSrc := info.FilePath + ".idsig"
	if _, err := os.Stat(idsigSrc); err == nil {
		idsigDst := o.Repo.IdsigPath(pkg, info.VersionCode)
		if err := copyFile(idsigSrc, idsigDst); err != nil {
			return fmt.Errorf("copy idsig into place: %w", err)
		}
		*copiedFiles = append(*copiedFiles, idsigDst)
		q.OnRollback(func() error { return os.Remove(idsigDst) })
	}
	return nil
}

// regenerateDeltas builds the delta job list for pkg's newest version (up
// to K prior versions, drawn from every version now on disk, including
// ones copied earlier in this same batch) and runs them, then updates the
// catalog's Delta rows to match, deleting any stale delta for a target
// below the newest version.
func (o *Orchestrator) regenerateDeltas(ctx context.Context, pkg domain.PackageName, copiedFiles []string) error {
	versions, err := o.Repo.ListAPKVersions(pkg)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	target := versions[len(versions)-1]

	bases := priorVersions(versions, target, o.k())

	jobs := make([]delta.Job, 0, len(bases))
	for _, base := range bases {
		jobs = append(jobs, delta.Job{
			BaseVersion:   base,
			TargetVersion: target,
			BasePath:      o.Repo.APKPath(pkg, base),
			TargetPath:    o.Repo.APKPath(pkg, target),
			OutPath:       o.Repo.DeltaPath(pkg, base, target),
		})
	}

	var genErr error
	if len(jobs) > 0 {
		results := o.Delta.Run(ctx, []delta.PackageBatch{{Package: pkg, Jobs: jobs}})
		genErr = results[pkg.String()]
	}
	if genErr != nil {
		return genErr
	}

	return o.Catalog.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		// Deltas are regenerated only for the package's newest insertion in
		// this batch, so every row targeting an older version is stale and
		// must be dropped from the catalog, mirroring deleteStaleDeltaFiles'
		// cleanup of the delta files themselves.
		if err := q.DeleteDeltasNotForTarget(pkg, target); err != nil {
			return err
		}
		if err := q.DeleteDeltasForTarget(pkg, target); err != nil {
			return err
		}
		for _, job := range jobs {
			fi, err := os.Stat(job.OutPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(job.OutPath)
			if err != nil {
				return err
			}
			if err := q.UpsertDelta(catalog.Delta{
				Package:       pkg,
				BaseVersion:   job.BaseVersion,
				TargetVersion: job.TargetVersion,
				FileSize:      fi.Size(),
				SHA256:        domain.NewBase64StringFromBytes(sha256Sum(data)),
			}); err != nil {
				return err
			}
		}
		return deleteStaleDeltaFiles(o.Repo, pkg, target)
	})
}

// deleteStaleDeltaFiles removes on-disk delta files whose target is not
// the current newest version: deltas are regenerated only for the latest
// insertion in a batch.
func deleteStaleDeltaFiles(repo *layout.Repo, pkg domain.PackageName, keepTarget domain.VersionCode) error {
	deltas, err := repo.ListDeltas(pkg)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if d.Target.Int64() == keepTarget.Int64() {
			continue
		}
		path := repo.DeltaPath(pkg, d.Base, d.Target)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// priorVersions returns up to k versions below target, descending.
func priorVersions(versions []domain.VersionCode, target domain.VersionCode, k int) []domain.VersionCode {
	var below []domain.VersionCode
	for _, v := range versions {
		if v.Int64() < target.Int64() {
			below = append(below, v)
		}
	}
	sort.Slice(below, func(i, j int) bool { return below[i].Int64() > below[j].Int64() })
	if len(below) > k {
		below = below[:k]
	}
	return below
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func intersects(a, b []domain.HexString) bool {
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

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := os.TempDir()
	if d := dirOf(dst); d != "" {
		dir = d
	}
	tmp, err := os.CreateTemp(dir, ".apkrepo-copy-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return ""
}
