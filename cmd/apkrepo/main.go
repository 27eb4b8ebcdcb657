// Command apkrepo maintains a signed, static, content-addressed repository
// of Android APKs for over-the-air update delivery.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/inthewaves/apkrepo/internal/apperr"
	"github.com/inthewaves/apkrepo/internal/catalog"
	"github.com/inthewaves/apkrepo/internal/cli"
	"github.com/inthewaves/apkrepo/internal/delta"
	"github.com/inthewaves/apkrepo/internal/domain"
	"github.com/inthewaves/apkrepo/internal/group"
	"github.com/inthewaves/apkrepo/internal/insert"
	"github.com/inthewaves/apkrepo/internal/layout"
	"github.com/inthewaves/apkrepo/internal/repoconfig"
	"github.com/inthewaves/apkrepo/internal/signing"
	"github.com/inthewaves/apkrepo/internal/static"
	"github.com/inthewaves/apkrepo/internal/statusui"
	"github.com/inthewaves/apkrepo/internal/validate"
)

var version = "dev"

func main() {
	sigHandler := cli.NewSignalHandler()
	defer sigHandler.Stop()
	os.Exit(run(sigHandler))
}

func run(sigHandler *cli.SignalHandler) int {
	ctx := sigHandler.Context()

	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "add":
		return runAdd(ctx, args)
	case "validate":
		return runValidate(ctx, args)
	case "edit":
		return runEdit(ctx, args)
	case "group":
		return runGroup(ctx, args)
	case "info":
		return runInfo(ctx, args)
	case "generate-delta":
		return runGenerateDelta(args)
	case "apply-delta":
		return runApplyDelta(args)
	case "-v", "--version":
		fmt.Println(version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "apkrepo: unknown command %q\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `apkrepo maintains a signed, static repository of APKs for OTA delivery.

Usage:
  apkrepo add -k <key> [--skip-notes] APKS...
  apkrepo validate -k <key>
  apkrepo edit release-notes -k <key> [--version-code N] [--delete] <package>
  apkrepo group create|add|remove|delete|list -k <key> <group-id> [packages...]
  apkrepo info groups|packages
  apkrepo generate-delta [--no-gzip] OLD NEW OUT
  apkrepo apply-delta [--no-gzip] OLD DELTA OUT

Global flags (accepted by every subcommand above except generate-delta/apply-delta):
  -d <dir>   repository root (default ".")
  -v         verbose: print the full causal chain on failure
  -j <n>     delta worker pool size
  -k <key>   signing private key path
`)
}

// openRepo resolves the global flags, applies the repo-config.yaml
// overlay for any flag left at its zero value, and opens the repository.
// The returned Config carries the knobs openRepo doesn't itself apply to
// GlobalFlags (DeltaK, MinIconDensity), for callers that need them.
func openRepo(g *cli.GlobalFlags) (*layout.Repo, *catalog.Catalog, repoconfig.Config, error) {
	repo, err := layout.New(g.Dir)
	if err != nil {
		return nil, nil, repoconfig.Config{}, err
	}
	cfg, err := repoconfig.Load(repo.Root())
	if err != nil {
		return nil, nil, repoconfig.Config{}, err
	}
	if g.Workers == 0 {
		g.Workers = cfg.DeltaWorkers
	}
	if g.KeyPath == "" {
		g.KeyPath = cfg.DefaultKeyPath
	}

	cat, err := catalog.Open(repo.DatabasePath())
	if err != nil {
		return nil, nil, repoconfig.Config{}, err
	}
	return repo, cat, cfg, nil
}

func fail(g *cli.GlobalFlags, err error) int {
	fmt.Fprintln(os.Stderr, apperr.Render(err, g.Verbose))
	if kind, ok := apperr.KindOf(err); ok {
		return kind.ExitCode()
	}
	return 1
}

func now() domain.UnixTimestamp {
	return domain.UnixTimestamp(time.Now().Unix())
}

// bumpTimestamp sets pkg's LastUpdateTimestamp to ts, or to its current
// value plus one if ts would not strictly increase it, satisfying the
// "clocks never go backwards" invariant for operations outside the
// insertion pipeline (edit, group).
func bumpTimestamp(ctx context.Context, cat *catalog.Catalog, pkg domain.PackageName, ts domain.UnixTimestamp) error {
	return cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		app, ok, err := q.GetApp(pkg)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return q.UpsertApp(catalog.App{
			Package:             pkg,
			Label:               app.Label,
			HasLabel:            app.HasLabel,
			GroupID:             app.GroupID,
			HasGroup:            app.HasGroup,
			LastUpdateTimestamp: domain.NextTimestamp(app.LastUpdateTimestamp, ts),
		})
	})
}

func runAdd(ctx context.Context, args []string) int {
	g := &cli.GlobalFlags{}
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	g.Register(fs)
	skipNotes := fs.Bool("skip-notes", false, "don't prompt for release notes")
	fs.Parse(args)
	apkPaths := fs.Args()

	if g.KeyPath == "" {
		fmt.Fprintln(os.Stderr, "apkrepo add: -k <key> is required")
		return 1
	}
	if len(apkPaths) == 0 {
		fmt.Fprintln(os.Stderr, "apkrepo add: at least one APK path is required")
		return 1
	}

	repo, cat, cfg, err := openRepo(g)
	if err != nil {
		return fail(g, err)
	}
	defer cat.Close()

	key, err := signing.ParsePrivateKey(g.KeyPath)
	if err != nil {
		return fail(g, err)
	}

	steps := statusui.NewStepTracker(3)
	steps.Step("parse and insert APKs")

	o := &insert.Orchestrator{
		Repo:    repo,
		Catalog: cat,
		Delta:   delta.NewGenerator(g.Workers),
		Key:     key,
		Now:     now,
		K:       cfg.DeltaK,
	}
	if !*skipNotes {
		o.PromptNotes = promptReleaseNotes
	}

	results, err := o.InsertAPKs(ctx, apkPaths)
	if err != nil {
		steps.Done(false, err.Error())
		return fail(g, err)
	}

	failed := false
	for _, r := range results {
		if r.Err != nil {
			failed = true
			steps.Sub("%s: FAILED: %s", r.Package, apperr.Render(r.Err, g.Verbose))
			continue
		}
		steps.Sub("%s: inserted %d version(s), %d delta(s)", r.Package, len(r.InsertedVersions), len(r.DeltasGenerated))
	}

	steps.Step("regenerate static files")
	var spinner *statusui.Spinner
	if !g.Verbose {
		spinner = statusui.NewSpinner("signing and writing static files")
		spinner.Start()
	}
	err = static.Regenerate(ctx, repo, cat, key, static.Options{
		MinIconDensity: cfg.MinIconDensity,
		Log: func(s string) {
			if g.Verbose {
				steps.Sub("%s", s)
			}
		},
	})
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		steps.Done(false, err.Error())
		return fail(g, err)
	}

	steps.Step("done")
	if failed {
		steps.Done(false, "one or more packages failed; see above")
		return 1
	}
	steps.Done(true, fmt.Sprintf("inserted %d package(s)", len(results)))
	return 0
}

// promptReleaseNotes reads Markdown from stdin, terminated by a line
// containing only ".", as the release notes for one package's batch.
func promptReleaseNotes(pkg domain.PackageName, version domain.VersionCode) (string, bool, error) {
	fmt.Fprintf(os.Stderr, "Release notes for %s (version %d), Markdown, end with a line containing just \".\":\n", pkg, version.Int64())
	scanner := bufio.NewScanner(os.Stdin)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "." {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", false, err
	}
	markdown := strings.Join(lines, "\n")
	if strings.TrimSpace(markdown) == "" {
		return "", false, nil
	}
	return markdown, true, nil
}

func runValidate(ctx context.Context, args []string) int {
	g := &cli.GlobalFlags{}
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	g.Register(fs)
	fs.Parse(args)

	if g.KeyPath == "" {
		fmt.Fprintln(os.Stderr, "apkrepo validate: -k <key> is required")
		return 1
	}

	repo, cat, _, err := openRepo(g)
	if err != nil {
		return fail(g, err)
	}
	defer cat.Close()

	report, err := validate.Run(ctx, repo, cat)
	if err != nil {
		return fail(g, apperr.New(apperr.InvalidRepoState, err))
	}

	for _, issue := range report.Issues {
		statusui.Fail("%s", issue.String())
	}
	if !report.OK() {
		fmt.Fprintf(os.Stderr, "\n%d issue(s) found\n", len(report.Issues))
		return apperr.InvalidRepoState.ExitCode()
	}
	statusui.Success("repository is valid")
	return 0
}

func runEdit(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "release-notes" {
		fmt.Fprintln(os.Stderr, "apkrepo edit: only \"release-notes\" is supported")
		return 1
	}
	args = args[1:]

	g := &cli.GlobalFlags{}
	fs := flag.NewFlagSet("edit release-notes", flag.ExitOnError)
	g.Register(fs)
	versionCodeFlag := fs.Int64("version-code", 0, "release to edit; defaults to the package's newest version")
	deleteFlag := fs.Bool("delete", false, "clear the release notes instead of setting them")
	fs.Parse(args)
	positional := fs.Args()

	if g.KeyPath == "" {
		fmt.Fprintln(os.Stderr, "apkrepo edit release-notes: -k <key> is required")
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "apkrepo edit release-notes: exactly one <package> is required")
		return 1
	}

	repo, cat, cfg, err := openRepo(g)
	if err != nil {
		return fail(g, err)
	}
	defer cat.Close()

	key, err := signing.ParsePrivateKey(g.KeyPath)
	if err != nil {
		return fail(g, err)
	}

	pkg, err := layout.ValidatePackageName(positional[0])
	if err != nil {
		return fail(g, apperr.New(apperr.EditFailed, err))
	}

	var markdown string
	if !*deleteFlag {
		scanner := bufio.NewScanner(os.Stdin)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		markdown = strings.Join(lines, "\n")
		if strings.TrimSpace(markdown) == "" {
			fmt.Fprintln(os.Stderr, "apkrepo edit release-notes: empty stdin; pass --delete to clear notes instead")
			return 1
		}
	}

	err = cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
		version, err := resolveVersion(q, pkg, *versionCodeFlag)
		if err != nil {
			return err
		}
		return q.SetReleaseNotes(pkg, version, markdown, *deleteFlag)
	})
	if err != nil {
		return fail(g, apperr.ForPackage(apperr.EditFailed, pkg.String(), err))
	}

	if err := bumpTimestamp(ctx, cat, pkg, now()); err != nil {
		return fail(g, err)
	}
	if err := static.Regenerate(ctx, repo, cat, key, static.Options{MinIconDensity: cfg.MinIconDensity}); err != nil {
		return fail(g, err)
	}

	statusui.Success("updated release notes for %s", pkg)
	return 0
}

func resolveVersion(q *catalog.Queries, pkg domain.PackageName, requested int64) (domain.VersionCode, error) {
	if requested > 0 {
		return domain.NewVersionCode(requested)
	}
	max, ok, err := q.MaxVersionCode(pkg)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no releases recorded for %s", pkg)
	}
	return max, nil
}

func runGroup(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "apkrepo group: expected create|add|remove|delete|list")
		return 1
	}
	sub, args := args[0], args[1:]

	g := &cli.GlobalFlags{}
	fs := flag.NewFlagSet("group "+sub, flag.ExitOnError)
	g.Register(fs)
	fs.Parse(args)
	positional := fs.Args()

	if sub != "list" && g.KeyPath == "" {
		fmt.Fprintln(os.Stderr, "apkrepo group: -k <key> is required")
		return 1
	}

	repo, cat, cfg, err := openRepo(g)
	if err != nil {
		return fail(g, err)
	}
	defer cat.Close()

	if sub == "list" {
		listings, err := group.List(ctx, cat)
		if err != nil {
			return fail(g, err)
		}
		for _, l := range listings {
			members := make([]string, len(l.Members))
			for i, m := range l.Members {
				members[i] = m.String()
			}
			fmt.Printf("%s: %s\n", l.ID, strings.Join(members, ", "))
		}
		return 0
	}

	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "apkrepo group: <group-id> is required")
		return 1
	}
	groupID := positional[0]
	packages, err := parsePackages(positional[1:])
	if err != nil {
		return fail(g, apperr.New(apperr.GroupDoesntExist, err))
	}

	key, err := signing.ParsePrivateKey(g.KeyPath)
	if err != nil {
		return fail(g, err)
	}

	var affected []domain.PackageName
	switch sub {
	case "create":
		if err := group.Create(ctx, cat, groupID, packages); err != nil {
			return fail(g, err)
		}
		affected = packages
	case "add":
		res, err := group.Add(ctx, cat, groupID, packages)
		if err != nil {
			return fail(g, err)
		}
		if res.Warning != "" {
			statusui.Info("%s", res.Warning)
		}
		affected = packages
	case "remove":
		if err := group.Remove(ctx, cat, groupID, packages); err != nil {
			return fail(g, err)
		}
		affected = packages
	case "delete":
		listings, err := group.List(ctx, cat)
		if err == nil {
			for _, l := range listings {
				if l.ID == groupID {
					affected = l.Members
				}
			}
		}
		if err := group.Delete(ctx, cat, groupID); err != nil {
			return fail(g, err)
		}
	default:
		fmt.Fprintf(os.Stderr, "apkrepo group: unknown subcommand %q\n", sub)
		return 1
	}

	ts := now()
	for _, pkg := range affected {
		if err := bumpTimestamp(ctx, cat, pkg, ts); err != nil {
			return fail(g, err)
		}
	}
	if err := static.Regenerate(ctx, repo, cat, key, static.Options{MinIconDensity: cfg.MinIconDensity}); err != nil {
		return fail(g, err)
	}

	statusui.Success("group %s %s", sub, groupID)
	return 0
}

func parsePackages(raw []string) ([]domain.PackageName, error) {
	packages := make([]domain.PackageName, 0, len(raw))
	for _, s := range raw {
		pkg, err := layout.ValidatePackageName(s)
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

func runInfo(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "apkrepo info: expected groups|packages")
		return 1
	}
	sub, args := args[0], args[1:]

	g := &cli.GlobalFlags{}
	fs := flag.NewFlagSet("info "+sub, flag.ExitOnError)
	g.Register(fs)
	fs.Parse(args)

	_, cat, _, err := openRepo(g)
	if err != nil {
		return fail(g, err)
	}
	defer cat.Close()

	switch sub {
	case "groups":
		listings, err := group.List(ctx, cat)
		if err != nil {
			return fail(g, err)
		}
		for _, l := range listings {
			members := make([]string, len(l.Members))
			for i, m := range l.Members {
				members[i] = m.String()
			}
			fmt.Printf("%s: %s\n", l.ID, strings.Join(members, ", "))
		}
		return 0
	case "packages":
		var apps []catalog.App
		err := cat.Transact(ctx, func(ctx context.Context, q *catalog.Queries) error {
			var err error
			apps, err = q.ListApps()
			return err
		})
		if err != nil {
			return fail(g, err)
		}
		sort.Slice(apps, func(i, j int) bool { return apps[i].Package.String() < apps[j].Package.String() })
		for _, a := range apps {
			groupID := "-"
			if a.HasGroup {
				groupID = a.GroupID
			}
			fmt.Printf("%s\tgroup=%s\tlastUpdate=%d\n", a.Package, groupID, int64(a.LastUpdateTimestamp))
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "apkrepo info: unknown subcommand %q\n", sub)
		return 1
	}
}

func runGenerateDelta(args []string) int {
	fs := flag.NewFlagSet("generate-delta", flag.ExitOnError)
	noGzip := fs.Bool("no-gzip", false, "emit a raw bsdiff patch instead of gzip-wrapping it")
	fs.Parse(args)
	positional := fs.Args()
	if len(positional) != 3 {
		fmt.Fprintln(os.Stderr, "apkrepo generate-delta: OLD NEW OUT are required")
		return 1
	}
	old, newAPK, out := positional[0], positional[1], positional[2]

	generator := delta.NewGenerator(1)
	job := delta.Job{BasePath: old, TargetPath: newAPK, OutPath: out, NoGzip: *noGzip}
	results := generator.Run(context.Background(), []delta.PackageBatch{{Jobs: []delta.Job{job}}})
	if err := results[""]; err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	statusui.Success("wrote %s", out)
	return 0
}

func runApplyDelta(args []string) int {
	fs := flag.NewFlagSet("apply-delta", flag.ExitOnError)
	noGzip := fs.Bool("no-gzip", false, "the patch at DELTA is a raw bsdiff patch, not gzip-wrapped")
	fs.Parse(args)
	positional := fs.Args()
	if len(positional) != 3 {
		fmt.Fprintln(os.Stderr, "apkrepo apply-delta: OLD DELTA OUT are required")
		return 1
	}
	old, patch, out := positional[0], positional[1], positional[2]

	result, err := delta.Apply(nil, old, patch, *noGzip)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := writeFile(out, result); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	statusui.Success("wrote %s", out)
	return 0
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
