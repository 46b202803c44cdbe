package h4

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/HHildenbrandt/haplotag/internal/conc"
	"github.com/HHildenbrandt/haplotag/internal/fastq"
)

// DefaultBlockSize is the number of records staged per match job.
const DefaultBlockSize = 10000

type splitter = fastq.Splitter[fastq.Rec]

// read stream indices into the block slice handed to match jobs.
const (
	rdR1 = iota
	rdR2
	rdR3
	rdR4
	rdI1
)

// Pipeline owns the splitters, barcode tables and writers of one run.
type Pipeline struct {
	cfg  *Config
	pool *conc.Pool
	log  *slog.Logger

	bcA, bcB, bcC, bcD *fastq.Table
	plate, stagger     *fastq.Table

	splitters []*splitter // R1 R2 R3 R4 [I1]
	inputErr  []error     // per-splitter open error (tolerated by DryRun)

	r1Out, r2Out *fastq.Writer

	lo, hi    int64
	blockSize int

	nInvalid, nUnclear int64
}

// NewPipeline loads the barcode tables and opens the input streams.
// Input open failures are recorded rather than returned so that DryRun
// can still present the configuration; Run refuses to start on them.
func NewPipeline(cfg *Config, pool *conc.Pool, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{cfg: cfg, pool: pool, log: log, blockSize: DefaultBlockSize}

	var err error
	if p.lo, p.hi, err = ParseRange(cfg.Range); err != nil {
		return nil, err
	}

	loadTable := func(spec BarcodeSpec) (*fastq.Table, error) {
		var letter byte
		if spec.CodeLetter != "" {
			letter = spec.CodeLetter[0]
		}
		return fastq.LoadTable(cfg.BarcodePath(spec.File), fastq.TableOptions{
			UnclearTag: spec.UnclearTag,
			CodeLetter: letter,
			SortByTag:  spec.SortByTag,
		})
	}
	bc := cfg.Barcodes
	if p.bcA, err = loadTable(bc.A); err != nil {
		return nil, err
	}
	if p.bcB, err = loadTable(bc.B); err != nil {
		return nil, err
	}
	if p.bcC, err = loadTable(bc.C); err != nil {
		return nil, err
	}
	if p.bcD, err = loadTable(bc.D); err != nil {
		return nil, err
	}
	if cfg.HasPlate() {
		if p.plate, err = loadTable(bc.Plate); err != nil {
			return nil, err
		}
	}
	if cfg.HasStagger() {
		if p.stagger, err = loadTable(bc.Stagger); err != nil {
			return nil, err
		}
	}

	reads := []string{cfg.Reads.R1, cfg.Reads.R2, cfg.Reads.R3, cfg.Reads.R4}
	if cfg.HasPlate() {
		reads = append(reads, cfg.Reads.I1)
	}
	for _, file := range reads {
		r, err := fastq.Open(cfg.ReadPath(file))
		if err != nil {
			p.splitters = append(p.splitters, nil)
			p.inputErr = append(p.inputErr, err)
			continue
		}
		p.splitters = append(p.splitters, fastq.NewFieldSplitter(r, fastq.FullMask))
		p.inputErr = append(p.inputErr, nil)
	}
	return p, nil
}

// Close releases the input streams and any open writers.
func (p *Pipeline) Close() {
	for _, s := range p.splitters {
		if s != nil {
			s.Close()
		}
	}
	if p.r1Out != nil {
		_ = p.r1Out.Close()
	}
	if p.r2Out != nil {
		_ = p.r2Out.Close()
	}
}

// DryRun prints a configuration summary. Absent input files show as NA
// instead of failing, so a configuration can be reviewed offline.
func (p *Pipeline) DryRun(w io.Writer) {
	fmt.Fprintf(w, "range: %d-%d\n", p.lo, p.hi)
	fmt.Fprintf(w, "pool_threads: %d\n", p.pool.NumThreads())
	fmt.Fprintln(w, "barcodes")
	tableStats := func(name string, t *fastq.Table) {
		if t == nil {
			fmt.Fprintf(w, "    %s  NA\n", name)
			return
		}
		fmt.Fprintf(w, "    %s  %q  %d  [%d, %d]  %s\n",
			name, t.UnclearTag(), t.Size(), t.MinCodeLength(), t.MaxCodeLength(), t.Path())
	}
	tableStats("bc_A:   ", p.bcA)
	tableStats("bc_B:   ", p.bcB)
	tableStats("bc_C:   ", p.bcC)
	tableStats("bc_D:   ", p.bcD)
	tableStats("plate:  ", p.plate)
	tableStats("stagger:", p.stagger)

	fmt.Fprintln(w, "reads")
	names := []string{"R1", "R2", "R3", "R4", "I1"}
	for i, name := range names {
		if i >= len(p.splitters) {
			if name == "I1" {
				fmt.Fprintf(w, "    %s:  NA\n", name)
			}
			continue
		}
		if p.splitters[i] == nil {
			fmt.Fprintf(w, "    %s:  NA\n", name)
			continue
		}
		fmt.Fprintf(w, "    %s:  %s\n", name, p.splitters[i].Reader().Path())
	}

	fmt.Fprintln(w, "matches")
	if p.stagger != nil {
		fmt.Fprintf(w, "    stagger <- idx min_ed(R4[1](0:%d), stagger)\n", p.stagger.MaxCodeLength())
	}
	ctl := p.bcD.MaxCodeLength() + 1 + p.bcB.MaxCodeLength() + p.bcA.MaxCodeLength() + 1 + p.bcC.MaxCodeLength()
	fmt.Fprintf(w, "    code_total_length:  %d\n", ctl)

	fmt.Fprintln(w, "output")
	if p.cfg.Output.R1 == "" {
		fmt.Fprintln(w, "    R1: NA")
	} else {
		fmt.Fprintf(w, "    R1: %s\n", p.outPath(p.cfg.Output.R1))
	}
	if p.cfg.Output.R2 == "" {
		fmt.Fprintln(w, "    R2: NA (no clipping)")
	} else {
		fmt.Fprintf(w, "    R2: %s\n", p.outPath(p.cfg.Output.R2))
	}
}

func (p *Pipeline) outPath(file string) string {
	return filepath.Join(p.cfg.OutputRoot(), file)
}

type h4Match struct {
	s, a, b, c, d, pl fastq.Match
	sn                int
	anyInvalid        bool
	anyUnclear        bool
}

type blockResult struct {
	matches []h4Match
	blks    []*fastq.Block[fastq.Rec]
}

// Run executes the pipeline: skip to the range start, stage blocks from
// every input, match them on the pool, and drain results in submission
// order so records keep file order in the outputs.
func (p *Pipeline) Run() error {
	for i, err := range p.inputErr {
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	outRoot := p.cfg.OutputRoot()
	var err error
	if p.cfg.Output.R1 != "" {
		if p.r1Out, err = fastq.NewWriter(p.outPath(p.cfg.Output.R1), p.pool, fastq.WriterOptions{}); err != nil {
			return err
		}
	}
	if p.cfg.Output.R2 != "" {
		if p.r2Out, err = fastq.NewWriter(p.outPath(p.cfg.Output.R2), p.pool, fastq.WriterOptions{}); err != nil {
			return err
		}
	}

	if err := p.skipPhase(); err != nil {
		return err
	}

	var queue []*conc.Future[blockResult]
	drain := func(blocking bool) error {
		for len(queue) > 0 && (blocking || queue[0].Ready()) {
			res, err := queue[0].Get()
			queue = queue[1:]
			if err != nil {
				return fmt.Errorf("match job: %w", err)
			}
			if err := p.emit(res); err != nil {
				return err
			}
		}
		return nil
	}

	anyEOF := false
	for i := p.lo; !anyEOF && i < p.hi; i += int64(p.blockSize) {
		n := min(p.hi-i, int64(p.blockSize))
		blks := make([]*fastq.Block[fastq.Rec], 0, len(p.splitters))
		for _, s := range p.splitters {
			blks = append(blks, s.ReadBlock(int(n)))
			anyEOF = anyEOF || s.EOF()
		}
		if err := p.checkInputs(); err != nil {
			return err
		}
		want := blks[0].Len()
		for _, b := range blks[1:] {
			if b.Len() != want {
				return fmt.Errorf("inconsistent number of sequences in input streams")
			}
		}
		if want == 0 {
			break
		}
		queue = append(queue, conc.Async(p.pool, func() (blockResult, error) {
			return p.matchBlock(blks), nil
		}))
		if err := drain(false); err != nil {
			return err
		}
	}
	if err := drain(true); err != nil {
		return err
	}

	if p.r1Out != nil {
		if err := p.r1Out.Close(); err != nil {
			p.r1Out = nil
			return err
		}
		p.r1Out = nil
	}
	if p.r2Out != nil {
		if err := p.r2Out.Close(); err != nil {
			p.r2Out = nil
			return err
		}
		p.r2Out = nil
	}

	p.log.Info("pipeline done",
		"invalid", p.nInvalid,
		"unclear", p.nUnclear)
	return p.cfg.WriteEffective(outRoot)
}

// skipPhase advances every splitter past the head of the range. The
// splitters are independent, so they skip concurrently.
func (p *Pipeline) skipPhase() error {
	if p.lo == 0 {
		return nil
	}
	var g errgroup.Group
	for _, s := range p.splitters {
		g.Go(func() error {
			if skipped := s.Skip(int(p.lo)); int64(skipped) < p.lo {
				return fmt.Errorf("range exceeds number of reads")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.checkInputs()
}

// checkInputs polls the failure flags at stage boundaries.
func (p *Pipeline) checkInputs() error {
	for _, s := range p.splitters {
		if s.Failed() {
			if err := s.Err(); err != nil {
				return fmt.Errorf("input %s: %w", s.Reader().Path(), err)
			}
			return fmt.Errorf("input %s: decode failed", s.Reader().Path())
		}
	}
	if p.r1Out != nil && p.r1Out.Failed() {
		return fmt.Errorf("output %s: compression failed", p.r1Out.Path())
	}
	if p.r2Out != nil && p.r2Out.Failed() {
		return fmt.Errorf("output %s: compression failed", p.r2Out.Path())
	}
	return nil
}

// matchBlock runs the H4 position policy over one block of reads. It
// executes on a pool device; the blocks move in and out with the result.
func (p *Pipeline) matchBlock(blks []*fastq.Block[fastq.Rec]) blockResult {
	n := blks[0].Len()
	matches := make([]h4Match, 0, n)

	scl := 0
	if p.stagger != nil {
		scl = p.stagger.MaxCodeLength()
	}
	dcl := p.bcD.MaxCodeLength()
	bcl := p.bcB.MaxCodeLength()
	ccl := p.bcC.MaxCodeLength()
	pcl := 0
	if p.plate != nil {
		pcl = p.plate.MaxCodeLength()
	}

	var rx []byte
	for i := 0; i < n; i++ {
		var m h4Match
		r4seq := blks[rdR4].At(i)[1]
		if p.stagger != nil {
			m.s = fastq.MinEditDistance(maxSub(r4seq, 0, scl), scl, p.stagger)
			m.sn = max(0, m.s.Idx-1)
		}
		rx = append(rx[:0], blks[rdR2].At(i)[1]...)
		rx = append(rx, blks[rdR3].At(i)[1]...)

		m.d = fastq.MinEditDistance(maxSub(rx, 0, dcl), dcl, p.bcD)
		m.b = fastq.MinEditDistance(maxSub(rx, dcl+1, bcl), bcl, p.bcB)
		acl := p.bcA.MinCodeLength() + m.sn
		m.a = fastq.MinEditDistance(maxSub(rx, dcl+1+bcl, acl), acl, p.bcA)
		m.c = fastq.MinEditDistance(maxSub(rx, dcl+1+bcl+acl+1, ccl), ccl, p.bcC)
		if p.plate != nil {
			m.pl = fastq.MinEditDistance(maxSub(blks[rdI1].At(i)[1], 0, pcl), pcl, p.plate)
		}

		kinds := []fastq.Match{m.a, m.b, m.c, m.d}
		if p.stagger != nil {
			kinds = append(kinds, m.s)
		}
		if p.plate != nil {
			kinds = append(kinds, m.pl)
		}
		for _, mm := range kinds {
			m.anyInvalid = m.anyInvalid || mm.Kind == fastq.KindInvalid
			m.anyUnclear = m.anyUnclear || mm.Kind == fastq.KindUnclear
		}
		matches = append(matches, m)
	}
	return blockResult{matches: matches, blks: blks}
}

// emit writes the transformed records of one matched block. Emission is
// sequential on the driver goroutine; the writers parallelize the
// compression internally.
func (p *Pipeline) emit(res blockResult) error {
	n := res.blks[0].Len()
	var line []byte
	for i := 0; i < n; i++ {
		m := &res.matches[i]
		if m.anyInvalid {
			p.nInvalid++
		}
		if m.anyUnclear {
			p.nUnclear++
		}

		line = p.appendHeader(line[:0], res.blks, i, m)
		if p.r1Out != nil {
			if err := p.r1Out.PutLine(line); err != nil {
				return err
			}
			rec := res.blks[rdR1].At(i)
			for _, j := range []int{1, 2, 3} {
				if err := p.r1Out.PutLine(rec[j]); err != nil {
					return err
				}
			}
		}
		if p.r2Out != nil {
			if err := p.r2Out.PutLine(line); err != nil {
				return err
			}
			rec := res.blks[rdR4].At(i)
			clip := p.clipLength(m)
			if err := p.r2Out.PutLine(maxSub(rec[1], clip, -1)); err != nil {
				return err
			}
			if err := p.r2Out.PutLine(rec[2]); err != nil {
				return err
			}
			if err := p.r2Out.PutLine(maxSub(rec[3], clip, -1)); err != nil {
				return err
			}
		}
	}
	return nil
}

// appendHeader builds the synthesized header line: the R1 header token
// plus the BX/RX/QX tags.
func (p *Pipeline) appendHeader(line []byte, blks []*fastq.Block[fastq.Rec], i int, m *h4Match) []byte {
	name := blks[rdR1].At(i)[0]
	if cut := indexAny(name, " \t"); cut >= 0 {
		name = name[:cut]
	}
	line = append(line, name...)
	line = append(line, "\tBX:Z:"...)
	line = append(line, p.bcA.TagOf(m.a)...)
	line = append(line, p.bcC.TagOf(m.c)...)
	line = append(line, p.bcB.TagOf(m.b)...)
	line = append(line, p.bcD.TagOf(m.d)...)
	if p.plate != nil {
		line = append(line, '-')
		line = append(line, p.plate.TagOf(m.pl)...)
	}
	line = append(line, "\tRX:Z:"...)
	line = append(line, blks[rdR2].At(i)[1]...)
	line = append(line, blks[rdR3].At(i)[1]...)
	if p.plate != nil {
		line = append(line, '+')
		line = append(line, blks[rdI1].At(i)[1]...)
	}
	line = append(line, "\tQX:Z:"...)
	line = append(line, blks[rdR2].At(i)[3]...)
	line = append(line, blks[rdR3].At(i)[3]...)
	if p.plate != nil {
		line = append(line, '+')
		line = append(line, blks[rdI1].At(i)[3]...)
	}
	return line
}

// clipLength is the stagger-and-barcode prefix removed from R4: the
// stagger slot plus its gap, plus the matched A code (or the longest A
// code when the read could not be assigned).
func (p *Pipeline) clipLength(m *h4Match) int {
	clip := 1
	if p.stagger != nil {
		clip += p.stagger.MaxCodeLength()
	}
	if m.a.Assigned() {
		clip += len(p.bcA.Entries[m.a.Idx].Code)
	} else {
		clip += p.bcA.MaxCodeLength()
	}
	return clip
}

func maxSub(s []byte, pos, count int) []byte {
	return fastq.MaxSubstr(s, pos, count)
}

func indexAny(b []byte, chars string) int {
	for i, c := range b {
		for j := 0; j < len(chars); j++ {
			if c == chars[j] {
				return i
			}
		}
	}
	return -1
}
