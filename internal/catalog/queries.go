package catalog

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/inthewaves/apkrepo/internal/domain"
)

// Queries exposes typed operations against the transaction the writer
// goroutine currently owns. A *Queries is only ever valid for the
// duration of the Transact call it was handed to.
type Queries struct {
	tx           *sql.Tx
	compensations []func() error
}

// OnRollback registers fn to run, in LIFO order, if the enclosing
// transaction rolls back. Used to delete files that were copied into the
// repository tree before the catalog write that would have made them
// durable failed.
func (q *Queries) OnRollback(fn func() error) {
	q.compensations = append(q.compensations, fn)
}

func (q *Queries) runCompensations() {
	for i := len(q.compensations) - 1; i >= 0; i-- {
		_ = q.compensations[i]()
	}
	q.compensations = nil
}

func (q *Queries) clearCompensations() {
	q.compensations = nil
}

// App is one row of the App table.
type App struct {
	Package             domain.PackageName
	Label               string
	HasLabel            bool
	GroupID             string
	HasGroup            bool
	LastUpdateTimestamp domain.UnixTimestamp
}

// Release is one row of the AppRelease table.
type Release struct {
	Package               domain.PackageName
	VersionCode           domain.VersionCode
	VersionName           string
	MinSdkVersion         int
	ReleaseTimestamp      domain.UnixTimestamp
	SHA256                domain.Base64String
	V4SHA256              domain.HexString
	HasV4SHA256           bool
	StaticLibraryName     string
	StaticLibraryVersion  domain.VersionCode
	HasStaticLibrary      bool
	SigningCertFingerprints []domain.HexString
	ReleaseNotesMarkdown  string
	HasReleaseNotes       bool
}

// Delta is one row of the Delta table.
type Delta struct {
	Package      domain.PackageName
	BaseVersion  domain.VersionCode
	TargetVersion domain.VersionCode
	FileSize     int64
	SHA256       domain.Base64String
}

// UpsertApp inserts or updates an App row.
func (q *Queries) UpsertApp(a App) error {
	var label, group any
	if a.HasLabel {
		label = a.Label
	}
	if a.HasGroup {
		group = a.GroupID
	}
	_, err := q.tx.Exec(`
		INSERT INTO App(package, label, group_id, last_update_timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(package) DO UPDATE SET
			label = excluded.label,
			group_id = excluded.group_id,
			last_update_timestamp = excluded.last_update_timestamp
	`, a.Package.String(), label, group, int64(a.LastUpdateTimestamp))
	if err != nil {
		return fmt.Errorf("upsert app %s: %w", a.Package, err)
	}
	return nil
}

// GetApp returns the App row for pkg, or ok=false if no such app exists.
func (q *Queries) GetApp(pkg domain.PackageName) (App, bool, error) {
	row := q.tx.QueryRow(`SELECT package, label, group_id, last_update_timestamp FROM App WHERE package = ?`, pkg.String())
	var label, group sql.NullString
	var ts int64
	var pkgStr string
	if err := row.Scan(&pkgStr, &label, &group, &ts); err != nil {
		if err == sql.ErrNoRows {
			return App{}, false, nil
		}
		return App{}, false, fmt.Errorf("get app %s: %w", pkg, err)
	}
	return App{
		Package:             pkg,
		Label:               label.String,
		HasLabel:            label.Valid,
		GroupID:             group.String,
		HasGroup:            group.Valid,
		LastUpdateTimestamp: domain.UnixTimestamp(ts),
	}, true, nil
}

// ListApps returns every App row, ordered ascending by package name so
// static-file regeneration is byte-stable.
func (q *Queries) ListApps() ([]App, error) {
	rows, err := q.tx.Query(`SELECT package, label, group_id, last_update_timestamp FROM App ORDER BY package ASC`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		var pkgStr string
		var label, group sql.NullString
		var ts int64
		if err := rows.Scan(&pkgStr, &label, &group, &ts); err != nil {
			return nil, fmt.Errorf("scan app row: %w", err)
		}
		pkg, err := domain.NewPackageName(pkgStr)
		if err != nil {
			return nil, fmt.Errorf("catalog contains invalid package name %q: %w", pkgStr, err)
		}
		apps = append(apps, App{
			Package:             pkg,
			Label:               label.String,
			HasLabel:            label.Valid,
			GroupID:             group.String,
			HasGroup:            group.Valid,
			LastUpdateTimestamp: domain.UnixTimestamp(ts),
		})
	}
	return apps, rows.Err()
}

// MaxVersionCode returns the highest version code recorded for pkg, and
// ok=false if the package has no releases.
func (q *Queries) MaxVersionCode(pkg domain.PackageName) (domain.VersionCode, bool, error) {
	row := q.tx.QueryRow(`SELECT MAX(version_code) FROM AppRelease WHERE package = ?`, pkg.String())
	var max sql.NullInt64
	if err := row.Scan(&max); err != nil {
		return 0, false, fmt.Errorf("max version code for %s: %w", pkg, err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	vc, err := domain.NewVersionCode(max.Int64)
	return vc, true, err
}

// InsertRelease inserts one AppRelease row. The caller is responsible for
// having already checked version monotonicity and signing-cert continuity.
func (q *Queries) InsertRelease(r Release) error {
	fps := make([]string, len(r.SigningCertFingerprints))
	for i, fp := range r.SigningCertFingerprints {
		fps[i] = fp.String()
	}

	var v4 any
	if r.HasV4SHA256 {
		v4 = r.V4SHA256.String()
	}
	var staticName, staticVersion any
	if r.HasStaticLibrary {
		staticName = r.StaticLibraryName
		staticVersion = r.StaticLibraryVersion.Int64()
	}
	var notes any
	if r.HasReleaseNotes {
		notes = r.ReleaseNotesMarkdown
	}

	_, err := q.tx.Exec(`
		INSERT INTO AppRelease(
			package, version_code, version_name, min_sdk_version, release_timestamp,
			sha256_checksum, v4_sha256_checksum, static_library_name, static_library_version,
			signing_cert_fingerprints, release_notes_markdown
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Package.String(), r.VersionCode.Int64(), r.VersionName, r.MinSdkVersion, int64(r.ReleaseTimestamp),
		r.SHA256.String(), v4, staticName, staticVersion,
		strings.Join(fps, ","), notes)
	if err != nil {
		return fmt.Errorf("insert release %s/%d: %w", r.Package, r.VersionCode.Int64(), err)
	}
	return nil
}

// LatestRelease returns the highest-VersionCode release recorded for pkg.
func (q *Queries) LatestRelease(pkg domain.PackageName) (Release, bool, error) {
	row := q.tx.QueryRow(`
		SELECT version_code, version_name, min_sdk_version, release_timestamp,
			sha256_checksum, v4_sha256_checksum, static_library_name, static_library_version,
			signing_cert_fingerprints, release_notes_markdown
		FROM AppRelease WHERE package = ? ORDER BY version_code DESC LIMIT 1
	`, pkg.String())
	return scanRelease(row, pkg)
}

// Release returns one specific release, or ok=false if it doesn't exist.
func (q *Queries) Release(pkg domain.PackageName, version domain.VersionCode) (Release, bool, error) {
	row := q.tx.QueryRow(`
		SELECT version_code, version_name, min_sdk_version, release_timestamp,
			sha256_checksum, v4_sha256_checksum, static_library_name, static_library_version,
			signing_cert_fingerprints, release_notes_markdown
		FROM AppRelease WHERE package = ? AND version_code = ?
	`, pkg.String(), version.Int64())
	return scanRelease(row, pkg)
}

// SetReleaseNotes updates the Markdown source of one release's notes, or
// clears it when clear is true (markdown is then ignored).
func (q *Queries) SetReleaseNotes(pkg domain.PackageName, version domain.VersionCode, markdown string, clear bool) error {
	var notes any
	if !clear {
		notes = markdown
	}
	res, err := q.tx.Exec(`UPDATE AppRelease SET release_notes_markdown = ? WHERE package = ? AND version_code = ?`,
		notes, pkg.String(), version.Int64())
	if err != nil {
		return fmt.Errorf("set release notes for %s/%d: %w", pkg, version.Int64(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no release %s/%d", pkg, version.Int64())
	}
	return nil
}

func scanRelease(row *sql.Row, pkg domain.PackageName) (Release, bool, error) {
	var versionCode int64
	var versionName string
	var minSdk int
	var ts int64
	var sha string
	var v4, staticName, notes sql.NullString
	var staticVersion sql.NullInt64
	var fps string

	if err := row.Scan(&versionCode, &versionName, &minSdk, &ts, &sha, &v4, &staticName, &staticVersion, &fps, &notes); err != nil {
		if err == sql.ErrNoRows {
			return Release{}, false, nil
		}
		return Release{}, false, fmt.Errorf("scan release for %s: %w", pkg, err)
	}

	vc, err := domain.NewVersionCode(versionCode)
	if err != nil {
		return Release{}, false, err
	}
	sha256, err := domain.ParseBase64String(sha)
	if err != nil {
		return Release{}, false, err
	}

	var fingerprints []domain.HexString
	for _, fp := range strings.Split(fps, ",") {
		if fp == "" {
			continue
		}
		hx, err := domain.ParseHexString(fp)
		if err != nil {
			return Release{}, false, err
		}
		fingerprints = append(fingerprints, hx)
	}

	r := Release{
		Package:                 pkg,
		VersionCode:             vc,
		VersionName:             versionName,
		MinSdkVersion:           minSdk,
		ReleaseTimestamp:        domain.UnixTimestamp(ts),
		SHA256:                  sha256,
		SigningCertFingerprints: fingerprints,
	}
	if v4.Valid {
		v4hex, err := domain.ParseHexString(v4.String)
		if err != nil {
			return Release{}, false, err
		}
		r.V4SHA256 = v4hex
		r.HasV4SHA256 = true
	}
	if staticName.Valid && staticVersion.Valid {
		sv, err := domain.NewVersionCode(staticVersion.Int64)
		if err != nil {
			return Release{}, false, err
		}
		r.StaticLibraryName = staticName.String
		r.StaticLibraryVersion = sv
		r.HasStaticLibrary = true
	}
	if notes.Valid {
		r.ReleaseNotesMarkdown = notes.String
		r.HasReleaseNotes = true
	}
	return r, true, nil
}

// ReleasesDescending returns every release of pkg, newest version first.
func (q *Queries) ReleasesDescending(pkg domain.PackageName) ([]Release, error) {
	rows, err := q.tx.Query(`SELECT version_code FROM AppRelease WHERE package = ? ORDER BY version_code DESC`, pkg.String())
	if err != nil {
		return nil, fmt.Errorf("list releases for %s: %w", pkg, err)
	}
	var codes []int64
	for rows.Next() {
		var vc int64
		if err := rows.Scan(&vc); err != nil {
			rows.Close()
			return nil, err
		}
		codes = append(codes, vc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	releases := make([]Release, 0, len(codes))
	for _, vc := range codes {
		version, err := domain.NewVersionCode(vc)
		if err != nil {
			return nil, err
		}
		r, ok, err := q.Release(pkg, version)
		if err != nil {
			return nil, err
		}
		if ok {
			releases = append(releases, r)
		}
	}
	return releases, nil
}

// UpsertDelta inserts or replaces a Delta row.
func (q *Queries) UpsertDelta(d Delta) error {
	_, err := q.tx.Exec(`
		INSERT INTO Delta(package, base_version_code, target_version_code, file_size, sha256_checksum)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(package, base_version_code, target_version_code) DO UPDATE SET
			file_size = excluded.file_size,
			sha256_checksum = excluded.sha256_checksum
	`, d.Package.String(), d.BaseVersion.Int64(), d.TargetVersion.Int64(), d.FileSize, d.SHA256.String())
	if err != nil {
		return fmt.Errorf("upsert delta %s %d->%d: %w", d.Package, d.BaseVersion.Int64(), d.TargetVersion.Int64(), err)
	}
	return nil
}

// DeleteDeltasForTarget removes every delta row for pkg whose target is
// exactly target, so it can be rebuilt from scratch.
func (q *Queries) DeleteDeltasForTarget(pkg domain.PackageName, target domain.VersionCode) error {
	_, err := q.tx.Exec(`DELETE FROM Delta WHERE package = ? AND target_version_code = ?`, pkg.String(), target.Int64())
	if err != nil {
		return fmt.Errorf("delete deltas for %s target %d: %w", pkg, target.Int64(), err)
	}
	return nil
}

// DeleteDeltasNotForTarget removes every delta row for pkg whose target is
// not keepTarget: deltas are generated only for a package's newest
// insertion in a batch, so every row left over from an older target is
// stale and must be deleted whenever keepTarget is regenerated.
func (q *Queries) DeleteDeltasNotForTarget(pkg domain.PackageName, keepTarget domain.VersionCode) error {
	_, err := q.tx.Exec(`DELETE FROM Delta WHERE package = ? AND target_version_code <> ?`, pkg.String(), keepTarget.Int64())
	if err != nil {
		return fmt.Errorf("delete stale deltas for %s not targeting %d: %w", pkg, keepTarget.Int64(), err)
	}
	return nil
}

// DeltasForTarget returns the deltas recorded for one target version,
// descending by base version.
func (q *Queries) DeltasForTarget(pkg domain.PackageName, target domain.VersionCode) ([]Delta, error) {
	rows, err := q.tx.Query(`
		SELECT base_version_code, file_size, sha256_checksum FROM Delta
		WHERE package = ? AND target_version_code = ? ORDER BY base_version_code DESC
	`, pkg.String(), target.Int64())
	if err != nil {
		return nil, fmt.Errorf("deltas for %s target %d: %w", pkg, target.Int64(), err)
	}
	defer rows.Close()

	var deltas []Delta
	for rows.Next() {
		var base int64
		var size int64
		var sha string
		if err := rows.Scan(&base, &size, &sha); err != nil {
			return nil, err
		}
		baseVC, err := domain.NewVersionCode(base)
		if err != nil {
			return nil, err
		}
		sha256, err := domain.ParseBase64String(sha)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, Delta{Package: pkg, BaseVersion: baseVC, TargetVersion: target, FileSize: size, SHA256: sha256})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].BaseVersion.Int64() > deltas[j].BaseVersion.Int64() })
	return deltas, rows.Err()
}

// CreateGroup inserts a new group, failing if it already exists.
func (q *Queries) CreateGroup(groupID string) error {
	_, err := q.tx.Exec(`INSERT INTO AppGroup(group_id) VALUES (?)`, groupID)
	if err != nil {
		return fmt.Errorf("create group %s: %w", groupID, err)
	}
	return nil
}

// GroupExists reports whether groupID has been created.
func (q *Queries) GroupExists(groupID string) (bool, error) {
	row := q.tx.QueryRow(`SELECT 1 FROM AppGroup WHERE group_id = ?`, groupID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GroupMembers returns the packages currently assigned to groupID.
func (q *Queries) GroupMembers(groupID string) ([]domain.PackageName, error) {
	rows, err := q.tx.Query(`SELECT package FROM App WHERE group_id = ? ORDER BY package ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("members of group %s: %w", groupID, err)
	}
	defer rows.Close()
	var members []domain.PackageName
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		pkg, err := domain.NewPackageName(s)
		if err != nil {
			return nil, err
		}
		members = append(members, pkg)
	}
	return members, rows.Err()
}

// SetPackageGroup assigns (or, with clear=true, clears) pkg's group.
func (q *Queries) SetPackageGroup(pkg domain.PackageName, groupID string, clear bool) error {
	var value any
	if !clear {
		value = groupID
	}
	res, err := q.tx.Exec(`UPDATE App SET group_id = ? WHERE package = ?`, value, pkg.String())
	if err != nil {
		return fmt.Errorf("set group for %s: %w", pkg, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no such package %s", pkg)
	}
	return nil
}

// DeleteGroup detaches every member (clearing their group_id) and removes
// the group row.
func (q *Queries) DeleteGroup(groupID string) error {
	if _, err := q.tx.Exec(`UPDATE App SET group_id = NULL WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("detach members of group %s: %w", groupID, err)
	}
	if _, err := q.tx.Exec(`DELETE FROM AppGroup WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete group %s: %w", groupID, err)
	}
	return nil
}

// ListGroups returns every group id, ascending.
func (q *Queries) ListGroups() ([]string, error) {
	rows, err := q.tx.Query(`SELECT group_id FROM AppGroup ORDER BY group_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
