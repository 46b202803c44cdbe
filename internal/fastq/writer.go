package fastq

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/flate"

	"github.com/HHildenbrandt/haplotag/internal/conc"
)

// Writer defaults: per-slice payload and input-buffer queue depth.
const (
	WriterChunkSize = 1 << 20
	WriterChunks    = 16
)

// gzHeader is a fixed gzip member header: deflate, no flags, no mtime,
// OS unix.
var gzHeader = []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03}

// ErrWriterClosed is returned by writes into a closed writer.
var ErrWriterClosed = errors.New("write into closed gzip writer")

// flate writers hold sizable state; reuse them across slices.
var flatePool = sync.Pool{
	New: func() any {
		fw, _ := flate.NewWriter(nil, flate.DefaultCompression)
		return fw
	},
}

// Writer produces a gzip stream from parallel raw-deflate jobs.
//
// Put accumulates bytes into a buffer of numThreads × chunkSize; full
// buffers go to a bounded queue consumed by a compressor goroutine. The
// compressor splits each buffer into at most numThreads slices, deflates
// them concurrently on the pool, and writes the results in submission
// order, so the output byte stream preserves input order. Every slice is
// sync-flushed except the very last of the very last buffer, which
// finishes the deflate stream. A single gzip header precedes the stream
// and a CRC-32 + length trailer closes it.
type Writer struct {
	pool       *conc.Pool
	numThreads int
	chunkSize  int
	inBuf      []byte
	inQueue    *conc.Queue[[]byte]
	failed     atomic.Bool
	closed     bool
	totBytes   atomic.Int64
	err        error
	done       chan struct{}
	path       string
}

// WriterOptions tunes a Writer. Zero fields fall back to the defaults.
type WriterOptions struct {
	NumThreads int // deflate jobs per buffer; defaults to pool size
	ChunkSize  int // payload bytes per deflate job
	Chunks     int // input buffer queue depth
}

// NewWriter creates path and starts the compressor goroutine.
func NewWriter(path string, pool *conc.Pool, opts WriterOptions) (*Writer, error) {
	if opts.NumThreads <= 0 || opts.NumThreads > pool.NumThreads() {
		opts.NumThreads = pool.NumThreads()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = WriterChunkSize
	}
	if opts.Chunks <= 0 {
		opts.Chunks = WriterChunks
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cannot create output: %w", err)
	}
	if _, err := f.Write(gzHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing gzip header: %w", err)
	}
	w := &Writer{
		pool:       pool,
		numThreads: opts.NumThreads,
		chunkSize:  opts.ChunkSize,
		inQueue:    conc.NewQueue[[]byte](opts.Chunks),
		done:       make(chan struct{}),
		path:       path,
	}
	w.inBuf = make([]byte, 0, w.bufSize())
	go w.compressLoop(f)
	return w, nil
}

func (w *Writer) bufSize() int { return w.numThreads * w.chunkSize }

// Failed reports whether the compressor goroutine hit an error.
func (w *Writer) Failed() bool { return w.failed.Load() }

// TotBytes returns the number of uncompressed bytes consumed so far;
// accurate after Close.
func (w *Writer) TotBytes() int64 { return w.totBytes.Load() }

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// Put appends p to the output stream. Blocks while the input queue is
// full (back-pressure from a slow disk). After a compressor failure the
// bytes are dropped; the failure surfaces at Close.
func (w *Writer) Put(p []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.failed.Load() {
		return nil
	}
	tot := w.bufSize()
	for len(p) > 0 {
		n := min(tot-len(w.inBuf), len(p))
		w.inBuf = append(w.inBuf, p[:n]...)
		p = p[n:]
		if len(w.inBuf) == tot {
			w.inQueue.Push(w.inBuf)
			w.inBuf = make([]byte, 0, tot)
		}
	}
	return nil
}

// PutLine appends p followed by a newline.
func (w *Writer) PutLine(p []byte) error {
	if err := w.Put(p); err != nil {
		return err
	}
	return w.Put([]byte{'\n'})
}

// PutString appends s.
func (w *Writer) PutString(s string) error {
	if w.closed {
		return ErrWriterClosed
	}
	// Put does not retain its argument, so this conversion is safe.
	return w.Put([]byte(s))
}

// Close flushes the final partial buffer, waits for the compressor to
// finish and returns its error, if any. Closing twice is allowed.
func (w *Writer) Close() error {
	if w.closed {
		<-w.done
		return w.err
	}
	w.closed = true
	// The final buffer is shorter than bufSize (possibly empty); its
	// length is the compressor's stop condition.
	w.inQueue.Push(w.inBuf)
	w.inBuf = nil
	<-w.done
	return w.err
}

// deflate mode per slice, passed explicitly with each pool task.
const (
	flushSync = iota
	flushFinish
)

func deflateSlice(p []byte, mode int) ([]byte, error) {
	fw := flatePool.Get().(*flate.Writer)
	defer flatePool.Put(fw)

	var buf bytes.Buffer
	buf.Grow(len(p) + len(p)/3 + 64)
	fw.Reset(&buf)
	if _, err := fw.Write(p); err != nil {
		return nil, err
	}
	if mode == flushFinish {
		if err := fw.Close(); err != nil {
			return nil, err
		}
	} else if err := fw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) compressLoop(f *os.File) {
	defer close(w.done)

	bw := bufio.NewWriterSize(f, 1<<20)
	crc := uint32(0)
	var totIn uint64

	fail := func(err error) {
		if w.err == nil {
			w.err = err
		}
		w.failed.Store(true)
	}

	for {
		buf := w.inQueue.Pop()
		last := len(buf) < w.bufSize()
		if w.failed.Load() {
			// Drain until the final buffer so producers never block on
			// a dead compressor.
			if last {
				break
			}
			continue
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf)
		totIn += uint64(len(buf))
		w.totBytes.Store(int64(totIn))

		var slices [][]byte
		for off := 0; off < len(buf); off += w.chunkSize {
			slices = append(slices, buf[off:min(off+w.chunkSize, len(buf))])
		}
		if len(slices) == 0 {
			slices = [][]byte{nil} // empty final stream still needs a finish block
		}

		futs := make([]*conc.Future[[]byte], len(slices))
		for i, sl := range slices {
			mode := flushSync
			if last && i == len(slices)-1 {
				mode = flushFinish
			}
			futs[i] = conc.Async(w.pool, func() ([]byte, error) {
				return deflateSlice(sl, mode)
			})
		}
		// Await in submission order: output bytes keep input order no
		// matter which device finished first.
		for _, fut := range futs {
			out, err := fut.Get()
			if err != nil {
				fail(fmt.Errorf("deflate: %w", err))
				break
			}
			if w.err == nil {
				if _, err := bw.Write(out); err != nil {
					fail(fmt.Errorf("writing %s: %w", w.path, err))
				}
			}
		}
		if last {
			break
		}
	}

	if w.err == nil {
		// Little-endian gzip trailer: CRC-32 and input length mod 2^32.
		var tr [8]byte
		binary.LittleEndian.PutUint32(tr[0:4], crc)
		binary.LittleEndian.PutUint32(tr[4:8], uint32(totIn))
		if _, err := bw.Write(tr[:]); err != nil {
			fail(fmt.Errorf("writing gzip trailer: %w", err))
		}
	}
	if err := bw.Flush(); err != nil {
		fail(fmt.Errorf("flushing %s: %w", w.path, err))
	}
	if err := f.Close(); err != nil {
		fail(fmt.Errorf("closing %s: %w", w.path, err))
	}
}
