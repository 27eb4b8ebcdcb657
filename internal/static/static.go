// Package static regenerates every signed, published artifact from the
// catalog: per-app metadata (latest.txt), the bulk metadata file, the
// top-level index, and icon files. It mirrors the teacher's three
// coordinated goroutine stages — a producer reading the catalog, a
// middle per-app writer, and two terminal aggregate writers — fed over
// unbuffered channels; the catalog reader is the only producer and is
// already serialized by C4's single writer (spec §4.7/§5).
package static

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tdewolff/minify/v2"
	minhtml "github.com/tdewolff/minify/v2/html"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/inthewaves/apkrepo/internal/apk"
	"github.com/inthewaves/apkrepo/internal/catalog"
	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/layout"
	"github.com/inthewaves/apkrepo/internal/signing"
)

// DeltaInfoEntry is one element of AppMetadata's deltaInfo array: the base
// version a delta is generated against, and that delta file's own SHA-256.
type DeltaInfoEntry struct {
	VersionCode    int64  `json:"versionCode"`
	SHA256Checksum string `json:"sha256Checksum"`
}

// AppMetadata is the JSON schema written to latest.txt for one package and,
// line-for-line, to latest-bulk-metadata.txt for every package.
type AppMetadata struct {
	Package             string           `json:"package"`
	GroupID             *string          `json:"groupId"`
	Label               string           `json:"label"`
	LatestVersionCode   int64            `json:"latestVersionCode"`
	LatestVersionName   string           `json:"latestVersionName"`
	LastUpdateTimestamp int64            `json:"lastUpdateTimestamp"`
	SHA256Checksum      string           `json:"sha256Checksum"`
	DeltaInfo           []DeltaInfoEntry `json:"deltaInfo"`
	ReleaseNotes        *string          `json:"releaseNotes"`
}

// Options configures Regenerate.
type Options struct {
	// MinIconDensity is the minimum density bucket accepted for the
	// launcher icon; zero means apk.DefaultMinIconDensity.
	MinIconDensity uint16
	// Log, if non-nil, receives progress lines as packages are processed:
	// one per regenerated package, plus one per package whose icon could not
	// be extracted (wired to -v by callers).
	Log func(string)
}

func (o Options) log(format string, args ...any) {
	if o.Log != nil {
		o.Log(fmt.Sprintf(format, args...))
	}
}

// markdownRenderer renders release-notes Markdown (GFM) to minified HTML.
var markdownRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

func renderReleaseNotes(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	m := minify.New()
	m.AddFunc("text/html", minhtml.Minify)
	minified, err := m.String("text/html", buf.String())
	if err != nil {
		return "", fmt.Errorf("minify html: %w", err)
	}
	return minified, nil
}

// Regenerate rebuilds every signed artifact from cat's current state,
// signing each one with key. It deletes stale per-app metadata, icons,
// and the two aggregate files before writing anything new, then iterates
// packages in ascending name order so output is byte-stable run to run.
func Regenerate(ctx context.Context, repo *layout.Repo, cat *catalog.Catalog, key *signing.PrivateKey, opts Options) error {
	if err := clearStaleArtifacts(repo); err != nil {
		return fmt.Errorf("clear stale static artifacts: %w", err)
	}

	var apps []catalog.App
	if err := cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		var err error
		apps, err = q.ListApps()
		return err
	}); err != nil {
		return fmt.Errorf("list apps: %w", err)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Package.String() < apps[j].Package.String() })

	type perAppResult struct {
		meta AppMetadata
		err  error
	}

	producer := make(chan catalog.App)
	bulkCh := make(chan AppMetadata)
	indexCh := make(chan AppMetadata)
	errCh := make(chan error, len(apps)+2)

	go func() {
		defer close(producer)
		for _, a := range apps {
			select {
			case producer <- a:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(bulkCh)
		defer close(indexCh)
		for a := range producer {
			meta, err := writeOneApp(ctx, repo, cat, key, a, opts)
			if err != nil {
				errCh <- fmt.Errorf("package %s: %w", a.Package, err)
				continue
			}
			opts.log("regenerated %s", a.Package)
			bulkCh <- meta
			indexCh <- meta
		}
	}()

	var bulkLines []string
	bulkDone := make(chan struct{})
	go func() {
		defer close(bulkDone)
		for meta := range bulkCh {
			line, err := json.Marshal(meta)
			if err != nil {
				errCh <- fmt.Errorf("marshal bulk entry for %s: %w", meta.Package, err)
				continue
			}
			bulkLines = append(bulkLines, string(line))
		}
	}()

	var indexLines []string
	var maxTimestamp domain.UnixTimestamp
	indexDone := make(chan struct{})
	go func() {
		defer close(indexDone)
		for meta := range indexCh {
			indexLines = append(indexLines, fmt.Sprintf("%s %d %d", meta.Package, meta.LatestVersionCode, meta.LastUpdateTimestamp))
			if ts := domain.UnixTimestamp(meta.LastUpdateTimestamp); ts > maxTimestamp {
				maxTimestamp = ts
			}
		}
	}()

	<-done
	<-bulkDone
	<-indexDone
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	bulkPayload := []byte(fmt.Sprintf("%d\n", maxTimestamp) + joinLines(bulkLines))
	if err := signing.SignToFile(key, bulkPayload, repo.BulkMetadataPath()); err != nil {
		return fmt.Errorf("sign bulk metadata: %w", err)
	}

	indexPayload := []byte(fmt.Sprintf("%d\n", maxTimestamp) + joinLines(indexLines))
	if err := signing.SignToFile(key, indexPayload, repo.IndexPath()); err != nil {
		return fmt.Errorf("sign index: %w", err)
	}
	return nil
}

func joinLines(lines []string) string {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// writeOneApp builds and signs one package's latest.txt and icon.png, and
// returns the metadata record contributed to the two aggregate files.
func writeOneApp(ctx context.Context, repo *layout.Repo, cat *catalog.Catalog, key *signing.PrivateKey, app catalog.App, opts Options) (AppMetadata, error) {
	var latest catalog.Release
	var deltas []catalog.Delta
	err := cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		var ok bool
		var err error
		latest, ok, err = q.LatestRelease(app.Package)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("package %s has no releases", app.Package)
		}
		deltas, err = q.DeltasForTarget(app.Package, latest.VersionCode)
		return err
	})
	if err != nil {
		return AppMetadata{}, err
	}

	meta := AppMetadata{
		Package:             app.Package.String(),
		Label:               app.Label,
		LatestVersionCode:   latest.VersionCode.Int64(),
		LatestVersionName:   latest.VersionName,
		LastUpdateTimestamp: int64(app.LastUpdateTimestamp),
		SHA256Checksum:      latest.SHA256.String(),
		DeltaInfo:           make([]DeltaInfoEntry, 0, len(deltas)),
	}
	if app.HasGroup {
		g := app.GroupID
		meta.GroupID = &g
	}
	for _, d := range deltas {
		meta.DeltaInfo = append(meta.DeltaInfo, DeltaInfoEntry{
			VersionCode:    d.BaseVersion.Int64(),
			SHA256Checksum: d.SHA256.String(),
		})
	}
	if latest.HasReleaseNotes {
		html, err := renderReleaseNotes(latest.ReleaseNotesMarkdown)
		if err != nil {
			return AppMetadata{}, fmt.Errorf("render release notes: %w", err)
		}
		meta.ReleaseNotes = &html
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return AppMetadata{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := signing.SignToFile(key, payload, repo.LatestTxtPath(app.Package)); err != nil {
		return AppMetadata{}, fmt.Errorf("sign latest.txt: %w", err)
	}

	if err := writeIcon(repo, app.Package, latest.VersionCode, opts.MinIconDensity); err != nil {
		opts.log("no icon extracted for %s: %v", app.Package, err)
	}

	return meta, nil
}

// writeIcon re-extracts the launcher icon from the package's newest APK
// and writes it to icon.png. A missing icon is not fatal to regeneration
// (spec §4.2): the caller logs and continues.
func writeIcon(repo *layout.Repo, pkg domain.PackageName, version domain.VersionCode, minDensity uint16) error {
	info, err := apk.Parse(repo.APKPath(pkg, version), apk.Options{MinIconDensity: minDensity})
	if err != nil {
		return err
	}
	if len(info.Icon) == 0 {
		return fmt.Errorf("no launcher icon found")
	}
	return writeFileAtomic(repo.IconPath(pkg), info.Icon)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// clearStaleArtifacts removes every existing per-app latest.txt/icon.png
// (bottom-up walk at depth <= 2, per spec §4.7) plus the two aggregate
// files, so a regeneration after a package removal or group change never
// leaves an orphaned file behind.
func clearStaleArtifacts(repo *layout.Repo) error {
	entries, err := os.ReadDir(repo.AppsDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(repo.AppsDir(), e.Name())
		for _, name := range []string{"latest.txt", "icon.png"} {
			p := filepath.Join(dir, name)
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	for _, p := range []string{repo.BulkMetadataPath(), repo.IndexPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
