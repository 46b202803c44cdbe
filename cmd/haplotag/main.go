// haplotag demultiplexes combinatorially barcoded FASTQ reads (H4
// layout): it assigns each read tuple to a set of barcodes by bounded
// edit-distance matching, tags the reads with a composite cell/plate
// identifier, optionally clips the stagger+barcode prefix from R4, and
// writes transformed gzip FASTQ output.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/HHildenbrandt/haplotag/internal/conc"
	"github.com/HHildenbrandt/haplotag/internal/h4"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("haplotag", pflag.ContinueOnError)
	var (
		force    = flags.BoolP("force", "f", false, "remove an existing output directory")
		verbose  = flags.BoolP("verbose", "v", false, "verbose output")
		dry      = flags.Bool("dry", false, "print the configuration summary and exit")
		replaces = flags.StringArray("replace", nil,
			`apply configuration overrides, e.g. '{"/range": "0-1000"}'`)
	)
	flags.Usage = func() { usage(flags) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return exitSuccess
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return exitError
	}

	cfg, err := h4.LoadConfig(flags.Arg(0), *replaces)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	log := slog.New(slog.DiscardHandler)
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	pool := conc.NewPool(cfg.PoolThreads)
	defer pool.Close()

	pipe, err := h4.NewPipeline(cfg, pool, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	defer pipe.Close()

	if *dry {
		// Review mode: absent input files must not fail the run.
		pipe.DryRun(os.Stdout)
		return exitSuccess
	}

	if cfg.Output.R1 == "" && cfg.Output.R2 == "" {
		fmt.Fprintln(os.Stderr, "error: neither R1 nor R2 output specified")
		return exitError
	}
	outRoot := cfg.OutputRoot()
	if _, err := os.Stat(outRoot); err == nil {
		if !*force {
			fmt.Fprintln(os.Stderr, "error: output directory already exists, consider --force")
			return exitError
		}
		if err := os.RemoveAll(outRoot); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitError
		}
	}
	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	if err := pipe.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	return exitSuccess
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `haplotag - combinatorial-barcode FASTQ demultiplexer

Usage:
  haplotag [options] CONFIG.json

Options:
%s
Examples:
  haplotag run.json
  haplotag --dry run.json
  haplotag -f --replace '{"/range": "0:100000"}' run.json
`, flags.FlagUsages())
}
