// Package reader streams line-delimited JSON transcript files in bounded
// batches. Malformed or oversized lines become LineError values; they never
// abort the rest of the file.
package reader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatchSize    = 200
	defaultMaxLineBytes = 10 * 1024 * 1024
	defaultSmallFile    = 1 * 1024 * 1024
	previewBytes        = 120
	chunkSize           = 64 * 1024
)

// Line is one complete, JSON-valid transcript line.
type Line struct {
	No  int // 1-based line number within the file
	Raw json.RawMessage
}

// LineError reports a single skipped line.
type LineError struct {
	No      int
	Reason  string
	Preview string
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.No, e.Reason)
}

// Batch groups consecutive lines handed to the pipeline in one unit.
type Batch struct {
	Lines  []Line
	Errors []LineError
}

// Stats summarizes one read pass. Advisory only.
type Stats struct {
	Seen      int
	Parsed    int
	Errored   int
	EndOffset int64
	EndLine   int
}

// Options bound a read pass.
type Options struct {
	BatchSize      int
	MaxLineBytes   int
	SmallFileBytes int
	// StartOffset skips an already-consumed prefix. StartLine is the line
	// count of that prefix, used to keep reported line numbers stable.
	StartOffset int64
	StartLine   int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = defaultMaxLineBytes
	}
	if o.SmallFileBytes <= 0 {
		o.SmallFileBytes = defaultSmallFile
	}
}

// BatchFunc consumes one batch. A non-nil error aborts the pass.
type BatchFunc func(Batch) error

// ReadBatches reads path from opts.StartOffset onward, groups complete
// lines into batches, and invokes fn for each. The final unterminated line
// of a still-growing file is left for the next pass unless it already
// parses as JSON.
func ReadBatches(ctx context.Context, path string, opts Options, fn BatchFunc) (Stats, error) {
	opts.defaults()

	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Stats{}, fmt.Errorf("stat transcript: %w", err)
	}

	if opts.StartOffset > 0 {
		if opts.StartOffset >= info.Size() {
			return Stats{EndOffset: opts.StartOffset, EndLine: opts.StartLine}, nil
		}
		if _, err := f.Seek(opts.StartOffset, io.SeekStart); err != nil {
			return Stats{}, fmt.Errorf("seek transcript: %w", err)
		}
		// A prior pass may have accepted an unterminated final line, leaving
		// the offset just before the newline the writer appends afterwards.
		// That newline belongs to the already-counted line, not a new one.
		var b [1]byte
		if n, err := f.Read(b[:]); err == nil && n == 1 && b[0] == '\n' {
			opts.StartOffset++
			if opts.StartOffset >= info.Size() {
				return Stats{EndOffset: opts.StartOffset, EndLine: opts.StartLine}, nil
			}
		} else if _, err := f.Seek(opts.StartOffset, io.SeekStart); err != nil {
			return Stats{}, fmt.Errorf("seek transcript: %w", err)
		}
	}

	// Small files take the simpler whole-read path. Behaviorally identical.
	if info.Size()-opts.StartOffset <= int64(opts.SmallFileBytes) {
		return readWhole(ctx, f, opts, fn)
	}
	return readStreaming(ctx, f, opts, fn)
}

// readWhole slurps the remainder of the file and splits it in memory.
func readWhole(ctx context.Context, f *os.File, opts Options, fn BatchFunc) (Stats, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return Stats{}, fmt.Errorf("read transcript: %w", err)
	}

	st := newState(opts, fn)
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return st.finish(), err
		}
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if err := st.acceptPartial(data); err != nil {
				return st.finish(), err
			}
			break
		}
		if err := st.accept(data[:idx], int64(idx)+1); err != nil {
			return st.finish(), err
		}
		data = data[idx+1:]
	}
	if err := st.flush(); err != nil {
		return st.finish(), err
	}
	st.logProgress()
	return st.finish(), nil
}

// readStreaming reads in bounded chunks, never holding more than one
// batch plus one line in memory.
func readStreaming(ctx context.Context, f *os.File, opts Options, fn BatchFunc) (Stats, error) {
	br := bufio.NewReaderSize(f, chunkSize)
	st := newState(opts, fn)

	var (
		lineBuf  bytes.Buffer
		overflow bool
		consumed int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return st.finish(), err
		}

		chunk, err := br.ReadSlice('\n')
		consumed += int64(len(chunk))
		complete := err == nil

		switch {
		case err == nil || err == io.EOF || err == bufio.ErrBufferFull:
		default:
			return st.finish(), fmt.Errorf("read transcript: %w", err)
		}

		if !overflow {
			if lineBuf.Len()+len(chunk) > opts.MaxLineBytes {
				overflow = true
			} else {
				lineBuf.Write(chunk)
			}
		}

		if complete {
			if overflow {
				st.rejectOversized(consumed)
			} else {
				line := bytes.TrimSuffix(lineBuf.Bytes(), []byte("\n"))
				if ferr := st.accept(line, consumed); ferr != nil {
					return st.finish(), ferr
				}
			}
			lineBuf.Reset()
			overflow = false
			consumed = 0
			continue
		}

		if err == io.EOF {
			if overflow {
				st.rejectOversized(consumed)
			} else if lineBuf.Len() > 0 {
				if ferr := st.acceptPartial(lineBuf.Bytes()); ferr != nil {
					return st.finish(), ferr
				}
			}
			break
		}
	}

	if err := st.flush(); err != nil {
		return st.finish(), err
	}
	st.logProgress()
	return st.finish(), nil
}

// state accumulates one in-flight batch and the running stats.
type state struct {
	opts  Options
	fn    BatchFunc
	batch Batch
	stats Stats
	line  int
}

func newState(opts Options, fn BatchFunc) *state {
	return &state{
		opts:  opts,
		fn:    fn,
		line:  opts.StartLine,
		stats: Stats{EndOffset: opts.StartOffset},
	}
}

func (s *state) accept(raw []byte, consumed int64) error {
	s.line++
	s.stats.Seen++
	s.stats.EndOffset += consumed

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if len(trimmed) > s.opts.MaxLineBytes {
		s.stats.Errored++
		s.batch.Errors = append(s.batch.Errors, LineError{
			No:     s.line,
			Reason: fmt.Sprintf("line exceeds %d bytes", s.opts.MaxLineBytes),
		})
		return nil
	}
	if !json.Valid(trimmed) {
		s.stats.Errored++
		s.batch.Errors = append(s.batch.Errors, LineError{
			No:      s.line,
			Reason:  "invalid JSON",
			Preview: preview(trimmed),
		})
		return nil
	}

	s.stats.Parsed++
	data := make([]byte, len(trimmed))
	copy(data, trimmed)
	s.batch.Lines = append(s.batch.Lines, Line{No: s.line, Raw: data})

	if len(s.batch.Lines) >= s.opts.BatchSize {
		return s.flush()
	}
	return nil
}

// acceptPartial handles a final line with no terminating newline. The file
// may still be mid-write, so the line only counts when it already parses.
func (s *state) acceptPartial(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil // left for the next pass
	}
	return s.accept(raw, int64(len(raw)))
}

func (s *state) rejectOversized(consumed int64) {
	s.line++
	s.stats.Seen++
	s.stats.Errored++
	s.stats.EndOffset += consumed
	s.batch.Errors = append(s.batch.Errors, LineError{
		No:     s.line,
		Reason: fmt.Sprintf("line exceeds %d bytes", s.opts.MaxLineBytes),
	})
}

func (s *state) flush() error {
	if len(s.batch.Lines) == 0 && len(s.batch.Errors) == 0 {
		return nil
	}
	batch := s.batch
	s.batch = Batch{}
	return s.fn(batch)
}

func (s *state) finish() Stats {
	s.stats.EndLine = s.line
	return s.stats
}

func (s *state) logProgress() {
	log.Debug().
		Int("seen", s.stats.Seen).
		Int("parsed", s.stats.Parsed).
		Int("errored", s.stats.Errored).
		Int64("endOffset", s.stats.EndOffset).
		Msg("Transcript read pass complete")
}

func preview(b []byte) string {
	if len(b) > previewBytes {
		b = b[:previewBytes]
	}
	return string(b)
}
