package fastq

import (
	"bytes"
	"errors"
)

// A FASTQ record start is the "\n@" delimiter pair (or '@' at file
// start). A bare '@' scan would trip over quality lines containing '@',
// and even the pair is ambiguous when a quality line *begins* with '@'.
// Both sequence policies therefore advance by whole four-line groups:
// every view starts at a record boundary, so counting newlines
// identifies the next boundary unambiguously.

// ErrRecordTooLarge is recorded by a splitter when a carried tail exceeds
// the chunk window, i.e. a single record does not fit the window.
var ErrRecordTooLarge = errors.New("record larger than chunk window")

// A Policy parameterizes a Splitter with a trim and a split rule.
//
// Trim inspects the valid region of a new chunk (with any carried tail
// prepended) and returns the index where the residual tail starts: the
// prefix [0, t) ends with the last complete record terminator, the tail
// [t, len) is the start of a record continuing into the next chunk. For
// the last chunk Trim must return len(data).
//
// Split consumes one record from the front of the current view.
type Policy[V any] interface {
	Trim(data []byte, last bool) int
	Split(cv *[]byte) V
}

// LinePolicy splits newline-terminated lines; the newline is excluded
// from the returned views.
type LinePolicy struct{}

func (LinePolicy) Trim(data []byte, last bool) int {
	if last {
		return len(data)
	}
	return bytes.LastIndexByte(data, '\n') + 1
}

func (LinePolicy) Split(cv *[]byte) []byte {
	v := *cv
	if p := bytes.IndexByte(v, '\n'); p >= 0 {
		*cv = v[p+1:]
		return v[:p]
	}
	*cv = nil
	return v
}

// SeqPolicy splits whole FASTQ sequence records: each value runs from a
// header '@' up to and including its fourth newline (or the end of
// input).
type SeqPolicy struct{}

func (SeqPolicy) Trim(data []byte, last bool) int {
	return trimRecords(data, last)
}

func (SeqPolicy) Split(cv *[]byte) []byte {
	return splitSeq(cv)
}

// trimRecords cuts after the last complete four-line record. data is
// known to start at a record boundary (the first chunk starts the file,
// later ones start at the carried tail).
func trimRecords(data []byte, last bool) int {
	if last {
		return len(data)
	}
	end, lines, cut := 0, 0, 0
	for {
		p := bytes.IndexByte(data[end:], '\n')
		if p < 0 {
			break
		}
		end += p + 1
		lines++
		if lines%4 == 0 {
			cut = end
		}
	}
	return cut
}

// splitSeq consumes one four-line record from the front of cv.
func splitSeq(cv *[]byte) []byte {
	v := *cv
	end := 0
	for l := 0; l < 4; l++ {
		p := bytes.IndexByte(v[end:], '\n')
		if p < 0 {
			end = len(v)
			break
		}
		end += p + 1
	}
	*cv = v[end:]
	return v[:end]
}

// Rec is one FASTQ record as four line views (header, sequence,
// separator, quality), newlines excluded. Masked-off fields are nil.
type Rec [4][]byte

// FieldPolicy splits FASTQ records into their four lines. A set bit i in
// Mask selects line i of the record; cleared bits yield nil views.
type FieldPolicy struct {
	Mask uint8
}

// FullMask selects all four lines of a record.
const FullMask = 0b1111

func (FieldPolicy) Trim(data []byte, last bool) int {
	return trimRecords(data, last)
}

func (p FieldPolicy) Split(cv *[]byte) Rec {
	sv := splitSeq(cv)
	var rec Rec
	for i := 0; i < 4; i++ {
		end := bytes.IndexByte(sv, '\n')
		if end < 0 {
			end = len(sv)
		}
		if p.Mask&(1<<i) != 0 {
			rec[i] = sv[:end]
		}
		if end < len(sv) {
			end++
		}
		sv = sv[end:]
	}
	return rec
}

// CharPolicy yields the input one byte at a time (streaming copies).
type CharPolicy struct{}

func (CharPolicy) Trim(data []byte, last bool) int { return len(data) }

func (CharPolicy) Split(cv *[]byte) byte {
	v := *cv
	*cv = v[1:]
	return v[0]
}

// Block owns up to n record views plus the chunks whose lifetimes jointly
// cover them. It is the unit handed across goroutine boundaries.
type Block[V any] struct {
	views  []V
	chunks []Chunk
}

// Len returns the number of record views held.
func (b *Block[V]) Len() int { return len(b.views) }

// At returns the i-th record view. It stays valid while b is live.
func (b *Block[V]) At(i int) V { return b.views[i] }

// Splitter parses the chunk stream of a Reader into records without
// copying payload. A record straddling a chunk boundary is made
// contiguous by copying the previous chunk's tail into the next chunk's
// window prefix.
type Splitter[V any] struct {
	r        *Reader
	pol      Policy[V]
	cv       []byte // view into the current chunk
	tail     []byte // residual start of a record continuing past cv
	cur      Chunk
	buffered bool
	retained []Chunk
	err      error
}

// NewSplitter wraps r with the given policy. The value type cannot be
// inferred from the policy argument; prefer the concrete constructors
// below.
func NewSplitter[V any](r *Reader, pol Policy[V]) *Splitter[V] {
	return &Splitter[V]{r: r, pol: pol}
}

// NewLineSplitter splits r into newline-terminated lines.
func NewLineSplitter(r *Reader) *Splitter[[]byte] {
	return NewSplitter[[]byte](r, LinePolicy{})
}

// NewSeqSplitter splits r into whole FASTQ records.
func NewSeqSplitter(r *Reader) *Splitter[[]byte] {
	return NewSplitter[[]byte](r, SeqPolicy{})
}

// NewFieldSplitter splits r into FASTQ records of four line views,
// masked by mask.
func NewFieldSplitter(r *Reader, mask uint8) *Splitter[Rec] {
	return NewSplitter[Rec](r, FieldPolicy{Mask: mask})
}

// NewCharSplitter streams r byte by byte.
func NewCharSplitter(r *Reader) *Splitter[byte] {
	return NewSplitter[byte](r, CharPolicy{})
}

// EOF reports whether the last chunk has been consumed and the current
// view is empty.
func (s *Splitter[V]) EOF() bool { return s.cur.Last && len(s.cv) == 0 }

// Failed reports a failure of the underlying reader or an oversized
// record.
func (s *Splitter[V]) Failed() bool { return s.r.Failed() || s.err != nil }

// Err returns the splitter-local error, if any.
func (s *Splitter[V]) Err() error { return s.err }

// Reader returns the underlying reader.
func (s *Splitter[V]) Reader() *Reader { return s.r }

func (s *Splitter[V]) nextChunk() bool {
	if s.cur.Last || s.err != nil {
		return false
	}
	c := s.r.Read()
	if c.Buf == nil { // failure sentinel
		return false
	}
	k := len(s.tail)
	if k > c.Window {
		s.err = ErrRecordTooLarge
		return false
	}
	copy(c.Buf[c.Window-k:c.Window], s.tail)
	data := c.Buf[c.Window-k : c.Window+c.Size]
	t := s.pol.Trim(data, c.Last)
	s.cv = data[:t]
	s.tail = data[t:]
	if s.buffered {
		s.retained = append(s.retained, s.cur)
	}
	s.cur = c
	return true
}

// ReadOne returns the next record view. The view is valid until the next
// ReadOne or ReadBlock call. ok is false at end of stream.
func (s *Splitter[V]) ReadOne() (v V, ok bool) {
	for len(s.cv) == 0 {
		if !s.nextChunk() {
			return v, false
		}
	}
	return s.pol.Split(&s.cv), true
}

// ReadBlock returns a block of up to n record views together with the
// chunks that keep them alive. The views stay valid for the lifetime of
// the returned block, even after the splitter has moved past them.
func (s *Splitter[V]) ReadBlock(n int) *Block[V] {
	s.buffered = true
	defer func() { s.buffered = false }()

	views := make([]V, 0, n)
	for !s.EOF() && len(views) < n {
		v, ok := s.ReadOne()
		if !ok {
			break
		}
		views = append(views, v)
	}
	chunks := append(s.retained, s.cur)
	s.retained = nil
	return &Block[V]{views: views, chunks: chunks}
}

// Skip advances past n records, returning how many were actually skipped.
func (s *Splitter[V]) Skip(n int) int {
	i := 0
	for ; i < n; i++ {
		if _, ok := s.ReadOne(); !ok {
			break
		}
	}
	return i
}

// Close closes the underlying reader.
func (s *Splitter[V]) Close() {
	s.r.Close()
}
