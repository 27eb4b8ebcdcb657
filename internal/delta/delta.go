// Package delta generates and applies the gzip-wrapped binary patches
// that let clients upgrade without downloading a full APK. Generation for
// one target Release runs on a bounded worker pool: one worker per
// Package (so writes to one target stay serialized), fanned out across
// Packages up to the configured pool size, in the same spirit as the
// teacher's Client.ExistsBatch semaphore-bounded fan-out.
package delta

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"golang.org/x/sync/errgroup"

	"github.com/inthewaves/apkrepo/internal/domain"
)

// DefaultK is the number of historical base versions kept as deltas
// against the newest version of a package, absent an operator override.
const DefaultK = 5

// Codec is the narrow interface the delta generator depends on; any real
// binary-diff/patch implementation can be substituted behind it.
type Codec interface {
	Diff(base, target []byte) ([]byte, error)
	Patch(base, patch []byte) ([]byte, error)
}

// bsdiffCodec adapts github.com/gabstv/go-bsdiff to the Codec interface.
type bsdiffCodec struct{}

func (bsdiffCodec) Diff(base, target []byte) ([]byte, error) {
	return bsdiff.Bytes(base, target)
}

func (bsdiffCodec) Patch(base, patch []byte) ([]byte, error) {
	return bspatch.Bytes(base, patch)
}

// Job is one delta to produce: base and target APK paths, and the
// destination for the patch.
type Job struct {
	BaseVersion   domain.VersionCode
	TargetVersion domain.VersionCode
	BasePath      string
	TargetPath    string
	OutPath       string
	// NoGzip writes/reads OutPath as a raw codec patch instead of
	// gzip-wrapping it. Deltas produced by the insertion pipeline always
	// leave this false; only the standalone generate-delta/apply-delta
	// commands expose it.
	NoGzip bool
}

// PackageBatch groups the jobs for a single Package; jobs within a batch
// run in order, serially, on one worker.
type PackageBatch struct {
	Package domain.PackageName
	Jobs    []Job
}

// Result is the file size and SHA-256 produced for one completed Job.
type Result struct {
	Job      Job
	FileSize int64
	SHA256   domain.Base64String
}

// Generator produces deltas with a bounded worker pool.
type Generator struct {
	Codec      Codec
	NumWorkers int
}

// NewGenerator computes the worker pool size as min(numJobs, available
// cores), where numJobs defaults to cpus+2 when numJobs <= 0, matching the
// scheduling rule in the component design.
func NewGenerator(numJobs int) *Generator {
	cores := runtime.NumCPU()
	if numJobs <= 0 {
		numJobs = cores + 2
	}
	workers := numJobs
	if workers > cores {
		workers = cores
	}
	if workers < 1 {
		workers = 1
	}
	return &Generator{Codec: bsdiffCodec{}, NumWorkers: workers}
}

// Run executes every package's batch of jobs, running batches for
// distinct packages in parallel (bounded by NumWorkers) and the jobs
// within one batch serially. It returns one error per package, keyed by
// package; a package with no error produced every delta in its batch
// successfully. A failure partway through a package's batch stops that
// package's remaining jobs but never affects other packages.
func (g *Generator) Run(ctx context.Context, batches []PackageBatch) map[string]error {
	results := make(map[string]error, len(batches))
	resultsCh := make(chan struct {
		pkg string
		err error
	}, len(batches))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.NumWorkers)

	for _, b := range batches {
		b := b
		eg.Go(func() error {
			err := g.runBatchSerially(egCtx, b.Jobs)
			resultsCh <- struct {
				pkg string
				err error
			}{b.Package.String(), err}
			return nil
		})
	}
	eg.Wait()
	close(resultsCh)

	for r := range resultsCh {
		results[r.pkg] = r.err
	}
	return results
}

func (g *Generator) runBatchSerially(ctx context.Context, jobs []Job) error {
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := g.generateOne(job); err != nil {
			return fmt.Errorf("delta %d->%d: %w", job.BaseVersion.Int64(), job.TargetVersion.Int64(), err)
		}
	}
	return nil
}

func (g *Generator) generateOne(job Job) (Result, error) {
	base, err := os.ReadFile(job.BasePath)
	if err != nil {
		return Result{}, fmt.Errorf("read base apk: %w", err)
	}
	target, err := os.ReadFile(job.TargetPath)
	if err != nil {
		return Result{}, fmt.Errorf("read target apk: %w", err)
	}

	patch, err := g.Codec.Diff(base, target)
	if err != nil {
		return Result{}, fmt.Errorf("diff: %w", err)
	}

	out := patch
	if !job.NoGzip {
		out, err = gzipBytes(patch)
		if err != nil {
			return Result{}, fmt.Errorf("gzip patch: %w", err)
		}
	}

	if err := writeFileAtomic(job.OutPath, out); err != nil {
		return Result{}, fmt.Errorf("write delta file: %w", err)
	}

	sum := domain.NewBase64StringFromBytes(sha256Of(out))
	return Result{Job: job, FileSize: int64(len(out)), SHA256: sum}, nil
}

// Apply reads a patch from patchPath and applies it to the bytes at
// basePath, returning the reconstructed target bytes. noGzip must match
// how the patch was produced: false for the gzip-wrapped format the
// insertion pipeline always uses, true for a raw codec patch.
func Apply(codec Codec, basePath, patchPath string, noGzip bool) ([]byte, error) {
	base, err := os.ReadFile(basePath)
	if err != nil {
		return nil, fmt.Errorf("read base apk: %w", err)
	}
	raw, err := os.ReadFile(patchPath)
	if err != nil {
		return nil, fmt.Errorf("read delta file: %w", err)
	}
	patch := raw
	if !noGzip {
		patch, err = gunzipBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("gunzip delta: %w", err)
		}
	}
	if codec == nil {
		codec = bsdiffCodec{}
	}
	return codec.Patch(base, patch)
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
