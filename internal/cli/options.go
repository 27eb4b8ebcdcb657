// Package cli handles command-line interface concerns: global flag
// registration shared by every subcommand, and graceful Ctrl+C handling.
package cli

import "flag"

// GlobalFlags are accepted by every subcommand except generate-delta and
// apply-delta (spec §6's "Global options").
type GlobalFlags struct {
	// Dir is the repository root; default is the current working directory.
	Dir string
	// Verbose prints a failure's full causal chain instead of only its
	// top-level message.
	Verbose bool
	// Workers overrides the delta generator's worker pool size; zero means
	// delta.NewGenerator's default of cpus+2, capped at available cores.
	Workers int
	// KeyPath is the signing private key path, required by every
	// state-changing subcommand.
	KeyPath string
}

// Register adds the global flags to fs. Subcommands that don't mutate the
// repository (info) only need Dir and Verbose; callers can ignore the rest.
func (g *GlobalFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&g.Dir, "d", ".", "repository root directory")
	fs.BoolVar(&g.Verbose, "v", false, "verbose: print the full causal chain on failure")
	fs.IntVar(&g.Workers, "j", 0, "delta worker pool size")
	fs.StringVar(&g.KeyPath, "k", "", "signing private key path")
}
