package h4

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HHildenbrandt/haplotag/internal/conc"
	"github.com/HHildenbrandt/haplotag/internal/fastq"
)

// readSpec describes one synthetic read tuple. The H4 layout puts the
// barcodes into RX = R2.seq || R3.seq as D · gap · B · A · gap · C.
type readSpec struct {
	aField  string // occupies the A position; may carry a stagger shift
	bCode   string
	cCode   string
	dCode   string
	stagger string // two bytes occupying the stagger slot of R4
	plate   string
	payload string // genomic R4 payload after the clip prefix
}

func exactSpec() readSpec {
	return readSpec{
		aField: "AAAA", bCode: "AAAA", cCode: "AAAA", dCode: "AAAA",
		stagger: "CA", plate: "TTTT", payload: "GATTACAGATTACA",
	}
}

func (s readSpec) rx() string {
	return s.dCode + "N" + s.bCode + s.aField + "N" + s.cCode
}

func (s readSpec) r4seq() string {
	return s.stagger + "N" + "AAAA" + s.payload
}

func writeFastqGz(t *testing.T, path string, records []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	for _, r := range records {
		_, err := gz.Write([]byte(r))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func gunzip(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	return data
}

func qual(c byte, n int) string { return strings.Repeat(string(c), n) }

// buildFixture writes barcode tables, the five inputs and a config
// document under dir and returns the parsed configuration.
func buildFixture(t *testing.T, dir string, specs []readSpec, withPlate bool, rangeStr string) *Config {
	t.Helper()

	bcDir := filepath.Join(dir, "bc")
	readDir := filepath.Join(dir, "reads")
	require.NoError(t, os.MkdirAll(bcDir, 0o755))
	require.NoError(t, os.MkdirAll(readDir, 0o755))

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(bcDir, name), []byte(content), 0o644))
	}
	write("A.txt", "A1\tAAAA\nA2\tCCCC\n")
	write("B.txt", "B1\tAAAA\nB2\tCCCC\n")
	write("C.txt", "C1\tAAAA\nC2\tCCCC\n")
	write("D.txt", "D1\tAAAA\nD2\tCCCC\n")
	write("P.txt", "P1\tTTTT\nP2\tGGGG\n")
	write("S.txt", "S1\t\nS2\tGT\n")

	var r1, r2, r3, r4, i1 []string
	for i, s := range specs {
		rx := s.rx()
		r2seq, r3seq := rx[:9], rx[9:]
		r4seq := s.r4seq()
		r1 = append(r1, fmt.Sprintf("@read_%d extra stuff\nACGTACGTAC\n+\nIIIIIIIIII\n", i))
		r2 = append(r2, fmt.Sprintf("@read_%d\n%s\n+\n%s\n", i, r2seq, qual('E', len(r2seq))))
		r3 = append(r3, fmt.Sprintf("@read_%d\n%s\n+\n%s\n", i, r3seq, qual('F', len(r3seq))))
		r4 = append(r4, fmt.Sprintf("@read_%d\n%s\n+\n%s\n", i, r4seq, qual('H', len(r4seq))))
		i1seq := s.plate + "NN"
		i1 = append(i1, fmt.Sprintf("@read_%d\n%s\n+\n%s\n", i, i1seq, qual('J', len(i1seq))))
	}
	writeFastqGz(t, filepath.Join(readDir, "R1.fastq.gz"), r1)
	writeFastqGz(t, filepath.Join(readDir, "R2.fastq.gz"), r2)
	writeFastqGz(t, filepath.Join(readDir, "R3.fastq.gz"), r3)
	writeFastqGz(t, filepath.Join(readDir, "R4.fastq.gz"), r4)
	if withPlate {
		writeFastqGz(t, filepath.Join(readDir, "I1.fastq.gz"), i1)
	}

	plateFile := ""
	if withPlate {
		plateFile = "P.txt"
	}
	doc := fmt.Sprintf(`{
		"range": %q,
		"pool_threads": 4,
		"barcodes": {
			"root": %q,
			"A": {"file": "A.txt", "unclear_tag": ""},
			"B": {"file": "B.txt", "unclear_tag": ""},
			"C": {"file": "C.txt", "unclear_tag": ""},
			"D": {"file": "D.txt", "unclear_tag": ""},
			"plate": {"file": %q, "unclear_tag": ""},
			"stagger": {"file": "S.txt", "unclear_tag": ""}
		},
		"reads": {
			"root": %q,
			"R1": "R1.fastq.gz", "R2": "R2.fastq.gz",
			"R3": "R3.fastq.gz", "R4": "R4.fastq.gz",
			"I1": "I1.fastq.gz"
		},
		"output": {"root": %q, "R1": "R1_out.fastq.gz", "R2": "R2_out.fastq.gz"}
	}`, rangeStr, bcDir, plateFile, readDir, filepath.Join(dir, "out"))

	cfg, err := ParseConfig([]byte(doc), nil)
	require.NoError(t, err)
	return cfg
}

func runPipeline(t *testing.T, cfg *Config, threads int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.OutputRoot(), 0o755))
	pool := conc.NewPool(threads)
	defer pool.Close()
	p, err := NewPipeline(cfg, pool, nil)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Run())
}

func outRecords(t *testing.T, cfg *Config, file string) []string {
	t.Helper()
	data := gunzip(t, filepath.Join(cfg.OutputRoot(), file))
	var recs []string
	lines := strings.SplitAfter(string(data), "\n")
	for i := 0; i+3 < len(lines); i += 4 {
		recs = append(recs, lines[i]+lines[i+1]+lines[i+2]+lines[i+3])
	}
	return recs
}

func TestPipelineExactMatch(t *testing.T) {
	t.Parallel()

	spec := exactSpec()
	cfg := buildFixture(t, t.TempDir(), []readSpec{spec}, true, "")
	runPipeline(t, cfg, 4)

	rx := spec.rx()
	wantHdr := "@read_0\tBX:Z:A1C1B1D1-P1" +
		"\tRX:Z:" + rx + "+TTTTNN" +
		"\tQX:Z:" + qual('E', 9) + qual('F', len(rx)-9) + "+JJJJJJ\n"

	r1out := outRecords(t, cfg, "R1_out.fastq.gz")
	require.Len(t, r1out, 1)
	assert.Equal(t, wantHdr+"ACGTACGTAC\n+\nIIIIIIIIII\n", r1out[0])

	// R2 output: same header, R4 clipped by stagger slot + gap + A code.
	r4seq := spec.r4seq()
	clip := 2 + 1 + 4
	r2out := outRecords(t, cfg, "R2_out.fastq.gz")
	require.Len(t, r2out, 1)
	assert.Equal(t, wantHdr+r4seq[clip:]+"\n+\n"+qual('H', len(r4seq))[clip:]+"\n", r2out[0])

	// The effective configuration is persisted alongside the outputs.
	_, err := os.Stat(filepath.Join(cfg.OutputRoot(), "H4.json"))
	assert.NoError(t, err)
}

func TestPipelineSingleSubstitutionCorrected(t *testing.T) {
	t.Parallel()

	spec := exactSpec()
	spec.aField = "AACA" // one substitution away from A1
	cfg := buildFixture(t, t.TempDir(), []readSpec{spec}, true, "")
	runPipeline(t, cfg, 4)

	r1out := outRecords(t, cfg, "R1_out.fastq.gz")
	require.Len(t, r1out, 1)
	assert.Contains(t, r1out[0], "\tBX:Z:A1C1B1D1-P1\t")
}

func TestPipelineTieUnclear(t *testing.T) {
	t.Parallel()

	spec := exactSpec()
	spec.aField = "AACC" // equidistant from AAAA and CCCC
	cfg := buildFixture(t, t.TempDir(), []readSpec{spec}, true, "")
	runPipeline(t, cfg, 4)

	r1out := outRecords(t, cfg, "R1_out.fastq.gz")
	require.Len(t, r1out, 1)
	// The A dimension resolves to the reserved unclear tag.
	assert.Contains(t, r1out[0], "\tBX:Z:A0C1B1D1-P1\t")
}

func TestPipelineStaggerShift(t *testing.T) {
	t.Parallel()

	spec := exactSpec()
	spec.stagger = "GT"   // stagger entry S2: shift 1
	spec.aField = "AAAAN" // A position grows to min length + 1
	cfg := buildFixture(t, t.TempDir(), []readSpec{spec}, true, "")

	pool := conc.NewPool(2)
	defer pool.Close()
	p, err := NewPipeline(cfg, pool, nil)
	require.NoError(t, err)
	defer p.Close()

	var blks []*fastq.Block[fastq.Rec]
	for _, s := range p.splitters {
		blks = append(blks, s.ReadBlock(1))
	}
	res := p.matchBlock(blks)
	require.Len(t, res.matches, 1)

	m := res.matches[0]
	assert.Equal(t, fastq.KindCorrect, m.s.Kind)
	assert.Equal(t, 2, m.s.Idx)
	assert.Equal(t, 1, m.sn)
	// The shifted A field matches A1 at distance 1.
	assert.Equal(t, fastq.KindCorrected, m.a.Kind)
	assert.Equal(t, 1, m.a.Idx)
	// C is read past the widened A slot.
	assert.Equal(t, fastq.KindCorrect, m.c.Kind)
}

func TestPipelineRange(t *testing.T) {
	t.Parallel()

	specs := make([]readSpec, 5)
	for i := range specs {
		specs[i] = exactSpec()
	}
	specs[2].dCode = "CCCC" // marker for read 2
	cfg := buildFixture(t, t.TempDir(), specs, true, "2:1")
	runPipeline(t, cfg, 2)

	r1out := outRecords(t, cfg, "R1_out.fastq.gz")
	require.Len(t, r1out, 1)
	assert.True(t, strings.HasPrefix(r1out[0], "@read_2\t"))
	assert.Contains(t, r1out[0], "\tBX:Z:A1C1B1D2-P1\t")
}

func TestPipelineRangeExceedsInput(t *testing.T) {
	t.Parallel()

	cfg := buildFixture(t, t.TempDir(), []readSpec{exactSpec()}, true, "10-20")
	require.NoError(t, os.MkdirAll(cfg.OutputRoot(), 0o755))
	pool := conc.NewPool(2)
	defer pool.Close()
	p, err := NewPipeline(cfg, pool, nil)
	require.NoError(t, err)
	defer p.Close()

	err = p.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "range exceeds")
}

func TestPipelineNoPlate(t *testing.T) {
	t.Parallel()

	spec := exactSpec()
	cfg := buildFixture(t, t.TempDir(), []readSpec{spec}, false, "")
	runPipeline(t, cfg, 2)

	r1out := outRecords(t, cfg, "R1_out.fastq.gz")
	require.Len(t, r1out, 1)
	// Without the plate dimension there is no "-plate" suffix and no
	// "+I1" sections.
	assert.Contains(t, r1out[0], "\tBX:Z:A1C1B1D1\t")
	assert.NotContains(t, r1out[0], "+TTTTNN")
	assert.NotContains(t, r1out[0], "+JJJJJJ")
}

func TestPipelineInconsistentInputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := buildFixture(t, dir, []readSpec{exactSpec(), exactSpec()}, true, "")
	// Truncate R3 to a single record.
	spec := exactSpec()
	rx := spec.rx()
	writeFastqGz(t, filepath.Join(dir, "reads", "R3.fastq.gz"), []string{
		fmt.Sprintf("@read_0\n%s\n+\n%s\n", rx[9:], qual('F', len(rx)-9)),
	})

	require.NoError(t, os.MkdirAll(cfg.OutputRoot(), 0o755))
	pool := conc.NewPool(2)
	defer pool.Close()
	p, err := NewPipeline(cfg, pool, nil)
	require.NoError(t, err)
	defer p.Close()

	err = p.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent")
}

func TestPipelineDryRun(t *testing.T) {
	t.Parallel()

	cfg := buildFixture(t, t.TempDir(), []readSpec{exactSpec()}, true, "0-100")
	pool := conc.NewPool(2)
	defer pool.Close()
	p, err := NewPipeline(cfg, pool, nil)
	require.NoError(t, err)
	defer p.Close()

	var buf bytes.Buffer
	p.DryRun(&buf)
	out := buf.String()
	assert.Contains(t, out, "range: 0-100")
	assert.Contains(t, out, "bc_A:")
	assert.Contains(t, out, "code_total_length:  18")
	assert.Contains(t, out, "R1_out.fastq.gz")
}

func TestPipelineDryRunToleratesMissingInputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := buildFixture(t, dir, []readSpec{exactSpec()}, true, "")
	require.NoError(t, os.Remove(filepath.Join(dir, "reads", "R2.fastq.gz")))

	pool := conc.NewPool(2)
	defer pool.Close()
	p, err := NewPipeline(cfg, pool, nil)
	require.NoError(t, err) // construction tolerates the missing input
	defer p.Close()

	var buf bytes.Buffer
	p.DryRun(&buf)
	assert.Contains(t, buf.String(), "R2:  NA")

	// Run refuses to start.
	require.NoError(t, os.MkdirAll(cfg.OutputRoot(), 0o755))
	assert.Error(t, p.Run())
}

func randomSpec(rng *rand.Rand) readSpec {
	codes := []string{"AAAA", "CCCC"}
	pick := func() string { return codes[rng.IntN(2)] }
	s := readSpec{
		aField: pick(), bCode: pick(), cCode: pick(), dCode: pick(),
		stagger: "CA", plate: []string{"TTTT", "GGGG"}[rng.IntN(2)],
		payload: string(randomBases(rng, 10+rng.IntN(20))),
	}
	if rng.IntN(4) == 0 {
		s.stagger = "GT"
		s.aField = pick() + "N"
	}
	if rng.IntN(5) == 0 {
		// Sprinkle substitutions for corrected/unclear outcomes.
		b := []byte(s.aField)
		b[rng.IntN(len(b))] = "ACGT"[rng.IntN(4)]
		s.aField = string(b)
	}
	return s
}

func randomBases(rng *rand.Rand, n int) []byte {
	const bases = "ACGT"
	out := make([]byte, n)
	for i := range out {
		out[i] = bases[rng.IntN(4)]
	}
	return out
}

func TestPipelineThreadCountInvariance(t *testing.T) {
	t.Parallel()

	n := 100000
	if testing.Short() {
		n = 5000
	}
	rng := rand.New(rand.NewPCG(123, 456))
	specs := make([]readSpec, n)
	for i := range specs {
		specs[i] = randomSpec(rng)
	}

	dir1, dir8 := t.TempDir(), t.TempDir()
	cfg1 := buildFixture(t, dir1, specs, true, "")
	cfg8 := buildFixture(t, dir8, specs, true, "")
	runPipeline(t, cfg1, 1)
	runPipeline(t, cfg8, 8)

	r1a := gunzip(t, filepath.Join(cfg1.OutputRoot(), "R1_out.fastq.gz"))
	r1b := gunzip(t, filepath.Join(cfg8.OutputRoot(), "R1_out.fastq.gz"))
	require.True(t, bytes.Equal(r1a, r1b), "R1 outputs differ between 1 and 8 threads")

	r2a := gunzip(t, filepath.Join(cfg1.OutputRoot(), "R2_out.fastq.gz"))
	r2b := gunzip(t, filepath.Join(cfg8.OutputRoot(), "R2_out.fastq.gz"))
	require.True(t, bytes.Equal(r2a, r2b), "R2 outputs differ between 1 and 8 threads")

	assert.Equal(t, 4*n, bytes.Count(r1a, []byte{'\n'}))
}
