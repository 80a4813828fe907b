package changestream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("vexsync/changestream")

const (
	readBufferSize = 64 * 1024

	// defaultMaxLineSize bounds a single input line when the caller does not
	// derive one from its content-size limit. Inline content rides inside the
	// line, so this is also the effective ceiling for tier-1/tier-2 payloads.
	defaultMaxLineSize = 4 * 1024 * 1024

	// lineOverhead covers the structured envelope around the content fields:
	// keys, path, repo, mime, quoting.
	lineOverhead = 16 * 1024
)

// MaxLineSizeFor returns the line cap that admits an inline or base64 payload
// of maxContent bytes. Base64 inflates content by 4/3, so the cap scales with
// that plus envelope overhead.
func MaxLineSizeFor(maxContent int64) int {
	n := maxContent + maxContent/3 + lineOverhead
	if n < readBufferSize {
		return readBufferSize
	}
	return int(n)
}

// rawRecord is the wire shape of one structured line. The producer is
// untrusted: the line/sequence fields it may embed are deliberately absent
// here so they can never leak into checkpoint keys.
type rawRecord struct {
	Repo      string `json:"repo,omitempty"`
	Op        string `json:"op"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Encoded   string `json:"content_b64,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Mime      string `json:"mime,omitempty"`
	SkipIndex bool   `json:"skip_index,omitempty"`
}

// Reader lazily parses a newline-delimited change stream into Change records.
// It assigns each emitted Change a stable 1-based sequence equal to its
// physical line number; blank lines consume a sequence but emit nothing.
type Reader struct {
	br          *bufio.Reader
	seq         int64
	maxLineSize int
	eof         bool
}

type ReaderOption func(*Reader)

// WithMaxLineSize sets the per-line byte cap. A line over the cap is reported
// as a *ParseError for its sequence and the rest of the line is discarded;
// the stream continues at the next line.
func WithMaxLineSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxLineSize = n
		}
	}
}

func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	cr := &Reader{
		br:          bufio.NewReaderSize(r, readBufferSize),
		maxLineSize: defaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(cr)
	}
	return cr
}

// Next returns the next Change in the stream. It returns io.EOF once the
// stream is exhausted, and a *ParseError for lines that are neither a
// structured record nor a usable bare path, including lines over the size
// cap. After a *ParseError the Reader remains usable; the caller decides
// whether to keep consuming.
func (r *Reader) Next(ctx context.Context) (*Change, error) {
	_, span := tracer.Start(ctx, "Reader.Next")
	defer span.End()

	l := ctxzap.Extract(ctx)

	for !r.eof {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				l.Warn("skipping oversized line",
					zap.Int64("sequence", parseErr.Sequence),
					zap.Error(err))
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		change, err := r.parseLine(line)
		if err != nil {
			l.Warn("skipping unparsable line",
				zap.Int64("sequence", r.seq),
				zap.Error(err))
			return nil, err
		}
		return change, nil
	}

	return nil, io.EOF
}

// readLine consumes exactly one physical line, advancing the sequence. A line
// over maxLineSize is drained to its newline and reported as a *ParseError so
// one runaway line costs one sequence, not the run.
func (r *Reader) readLine() (string, error) {
	var buf []byte
	overflow := false

	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(chunk) > 0 && !overflow {
			if len(buf)+len(chunk) > r.maxLineSize {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch err {
		case nil:
			// Newline reached.
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			r.eof = true
			if len(buf) == 0 && !overflow {
				return "", io.EOF
			}
		default:
			return "", err
		}

		r.seq++
		if overflow {
			return "", &ParseError{
				Sequence: r.seq,
				Reason:   fmt.Sprintf("line exceeds %d bytes", r.maxLineSize),
			}
		}
		return string(buf), nil
	}
}

func (r *Reader) parseLine(line string) (*Change, error) {
	if strings.HasPrefix(line, "{") {
		return r.parseStructured(line)
	}

	// Bare path fallback: the whole trimmed line is the path.
	return &Change{
		Sequence: r.seq,
		Op:       OpModify,
		Path:     line,
	}, nil
}

func (r *Reader) parseStructured(line string) (*Change, error) {
	var raw rawRecord
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, &ParseError{Sequence: r.seq, Reason: "invalid structured record: " + err.Error()}
	}

	if raw.Path == "" {
		return nil, &ParseError{Sequence: r.seq, Reason: "structured record missing path"}
	}

	op := newOperation(raw.Op)
	if op == OpUnknown {
		return nil, &ParseError{Sequence: r.seq, Reason: "unknown op " + raw.Op}
	}

	change := &Change{
		Sequence:   r.seq,
		Repository: raw.Repo,
		Op:         op,
		Path:       raw.Path,
		Mime:       raw.Mime,
		SkipIndex:  raw.SkipIndex,
	}

	if op == OpDelete {
		return change, nil
	}

	// Exactly one representation survives ingestion; precedence is inline,
	// then encoded, then reference.
	switch {
	case raw.Content != "":
		change.Inline = raw.Content
	case raw.Encoded != "":
		change.Encoded = raw.Encoded
	case raw.Ref != "":
		change.RefPath = raw.Ref
		change.RefSize = raw.Size
	}

	return change, nil
}
