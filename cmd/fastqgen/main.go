// fastqgen expands FASTQ test data: every *.gz file in a directory is
// rewritten as _gen_*.gz with each record duplicated n times. With more
// than one duplicate, random in-read transpositions keep the duplicates
// from being byte-identical while preserving base composition.
package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/HHildenbrandt/haplotag/internal/conc"
	"github.com/HHildenbrandt/haplotag/internal/fastq"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("fastqgen", pflag.ContinueOnError)
	var (
		dir  = flags.StringP("dir", "d", "data", "directory holding *.gz FASTQ files")
		dups = flags.IntP("dups", "n", 1, "duplicates per record")
		seed = flags.Uint64("seed", 42, "random seed for reproducibility")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `fastqgen - expand FASTQ test data

Reads every *.gz file in a directory (skipping _-prefixed files) and
writes a _gen_-prefixed copy with each record duplicated.

Usage:
  fastqgen -d data -n 16

Options:
%s`, flags.FlagUsages())
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		return err
	}

	pool := conc.NewPool(0)
	defer pool.Close()
	rng := rand.New(rand.NewPCG(*seed, 0))

	type job struct {
		s *fastq.Splitter[fastq.Rec]
		w *fastq.Writer
	}
	var jobs []job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".gz") || strings.HasPrefix(name, "_") {
			continue
		}
		fmt.Printf("found %q\n", filepath.Join(*dir, name))
		r, err := fastq.Open(filepath.Join(*dir, name))
		if err != nil {
			return err
		}
		w, err := fastq.NewWriter(filepath.Join(*dir, "_gen_"+name), pool, fastq.WriterOptions{})
		if err != nil {
			r.Close()
			return err
		}
		jobs = append(jobs, job{s: fastq.NewFieldSplitter(r, fastq.FullMask), w: w})
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no *.gz files in %q", *dir)
	}
	fmt.Printf("generating %d '_gen_*.gz' files...\n", len(jobs))

	// Interleave the inputs so the generated files stay record-aligned.
	for {
		allEOF := true
		for _, j := range jobs {
			if j.s.EOF() {
				continue
			}
			allEOF = false
			rec, ok := j.s.ReadOne()
			if !ok {
				continue
			}
			for n := 0; n < *dups; n++ {
				for _, field := range rec {
					if *dups > 1 {
						field = permute(rng, field)
					}
					if err := j.w.PutLine(field); err != nil {
						return err
					}
				}
			}
		}
		if allEOF {
			break
		}
	}

	var totIn, totOut int64
	for _, j := range jobs {
		if j.s.Failed() {
			return fmt.Errorf("decoding %s failed", j.s.Reader().Path())
		}
		if err := j.w.Close(); err != nil {
			return err
		}
		totIn += j.s.Reader().TotBytes()
		totOut += j.w.TotBytes()
		j.s.Close()
	}
	fmt.Printf("%.2f MB inflated\n", float64(totIn)/1e6)
	fmt.Printf("%.2f MB generated\n", float64(totOut)/1e6)
	return nil
}

// permute swaps two random interior bytes; header and separator lines
// keep their first character, so records stay well-formed.
func permute(rng *rand.Rand, field []byte) []byte {
	if len(field) < 4 {
		return field
	}
	out := append([]byte(nil), field...)
	i := 1 + rng.IntN(len(out)-2)
	j := 1 + rng.IntN(len(out)-2)
	out[i], out[j] = out[j], out[i]
	return out
}
