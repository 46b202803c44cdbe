package fastq

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/HHildenbrandt/haplotag/internal/conc"
)

// Reader defaults. Window must stay well below ChunkSize: it bounds the
// largest record a splitter can carry across a chunk boundary.
const (
	DefaultWindow    = 16 * 1024
	DefaultChunkSize = 1 << 20
	DefaultChunks    = 16
	readerBufSize    = 128 * 1024
)

// ReaderOptions tunes a Reader. Zero fields fall back to the defaults.
type ReaderOptions struct {
	Window    int // spare prefix per chunk
	ChunkSize int // payload bytes per chunk
	Chunks    int // queue depth, chunks in flight
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Chunks <= 0 {
		o.Chunks = DefaultChunks
	}
	return o
}

// Reader decompresses a gzip (or plain) file on a background goroutine and
// hands out chunks in file order. A decode failure sets Failed and pushes
// a zero-size sentinel so the consumer still observes end of stream.
type Reader struct {
	opts     ReaderOptions
	src      io.Reader
	chunks   *conc.Queue[Chunk]
	failed   atomic.Bool
	stop     atomic.Bool
	done     chan struct{}
	path     string
	totBytes int64
	eof      bool
}

// Open opens path with default options.
func Open(path string) (*Reader, error) {
	return OpenWith(path, ReaderOptions{})
}

// OpenWith opens path for background decompression. Plain (non-gzip)
// files are detected by their leading magic bytes and read as-is.
func OpenWith(path string, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open input: %w", err)
	}
	br := bufio.NewReaderSize(f, readerBufSize)
	src := io.Reader(br)
	if hasGzipMagic(br) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cannot open gzip input %q: %w", path, err)
		}
		src = gz
	}
	r := newReader(src, path, opts)
	go func() {
		r.decodeLoop()
		_ = f.Close()
	}()
	return r, nil
}

func hasGzipMagic(br *bufio.Reader) bool {
	header, err := br.Peek(2)
	return err == nil && header[0] == 0x1f && header[1] == 0x8b
}

// newReader wires a Reader over an already-opened source. The caller must
// run decodeLoop; OpenWith does so on a background goroutine.
func newReader(src io.Reader, path string, opts ReaderOptions) *Reader {
	r := &Reader{
		opts: opts.withDefaults(),
		path: path,
		done: make(chan struct{}),
	}
	r.chunks = conc.NewQueue[Chunk](r.opts.Chunks)
	r.src = src
	return r
}

func (r *Reader) decodeLoop() {
	defer close(r.done)
	window, chunkSize := r.opts.Window, r.opts.ChunkSize
	for !r.stop.Load() {
		buf := make([]byte, window+chunkSize)
		n, err := io.ReadFull(r.src, buf[window:])
		switch {
		case err == nil:
			r.chunks.Push(Chunk{Buf: buf, Size: n, Window: window})
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.chunks.Push(Chunk{Buf: buf, Size: n, Window: window, Last: true})
			return
		default:
			r.failed.Store(true)
			r.chunks.Push(Chunk{}) // zero-size sentinel
			return
		}
	}
}

// Read returns the next chunk, or a zero chunk once EOF has been reached.
func (r *Reader) Read() Chunk {
	if r.eof {
		return Chunk{}
	}
	c := r.chunks.Pop()
	r.totBytes += int64(c.Size)
	r.eof = c.Last || r.failed.Load()
	return c
}

// EOF reports whether the last chunk (or a failure sentinel) has been
// returned by Read.
func (r *Reader) EOF() bool { return r.eof }

// Failed reports whether the background decoder hit an error.
func (r *Reader) Failed() bool { return r.failed.Load() }

// TotBytes returns the number of decompressed bytes handed out so far.
func (r *Reader) TotBytes() int64 { return r.totBytes }

// Path returns the input path.
func (r *Reader) Path() string { return r.path }

// Close stops the background decoder, draining queued chunks so it can
// observe the stop flag, and waits for it to exit.
func (r *Reader) Close() {
	r.stop.Store(true)
	for {
		select {
		case <-r.done:
			for {
				if _, ok := r.chunks.TryPop(); !ok {
					return
				}
			}
		default:
			if _, ok := r.chunks.TryPop(); !ok {
				time.Sleep(time.Millisecond)
			}
		}
	}
}
