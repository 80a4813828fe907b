package changestream

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderStructuredRecord(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader(
		`{"repo":"docs","op":"add","path":"a.md","content":"hello","mime":"text/markdown"}` + "\n",
	))

	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), change.Sequence)
	require.Equal(t, "docs", change.Repository)
	require.Equal(t, OpAdd, change.Op)
	require.Equal(t, "a.md", change.Path)
	require.Equal(t, "hello", change.Inline)
	require.Equal(t, "text/markdown", change.Mime)

	_, err = r.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderBarePathFallback(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader("  src/main.go  \n"))

	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpModify, change.Op)
	require.Equal(t, "src/main.go", change.Path)
	require.False(t, change.HasContent())
}

func TestReaderBlankLinesConsumeSequence(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader("first\n\n\nfourth\n"))

	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), change.Sequence)

	change, err = r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), change.Sequence)
	require.Equal(t, "fourth", change.Path)
}

func TestReaderSequenceIgnoresProducerNumbering(t *testing.T) {
	// A producer-embedded line number must never displace the physical one.
	ctx := context.Background()
	r := NewReader(strings.NewReader(
		`{"op":"add","path":"a","line":99,"sequence":42,"content":"x"}` + "\n",
	))

	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), change.Sequence)
}

func TestReaderMalformedJSON(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader("{not json\n" + `{"op":"add","path":"ok","content":"x"}` + "\n"))

	_, err := r.Next(ctx)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, int64(1), parseErr.Sequence)

	// The reader stays usable after a parse error.
	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), change.Sequence)
	require.Equal(t, "ok", change.Path)
}

func TestReaderOversizedLineFailsOneSequence(t *testing.T) {
	ctx := context.Background()
	long := `{"op":"add","path":"big","content":"` + strings.Repeat("x", 512) + `"}`
	input := long + "\n" + `{"op":"add","path":"after","content":"y"}` + "\n"
	r := NewReader(strings.NewReader(input), WithMaxLineSize(128))

	_, err := r.Next(ctx)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, int64(1), parseErr.Sequence)

	// The oversized line was drained; the stream continues at the next line.
	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), change.Sequence)
	require.Equal(t, "after", change.Path)

	_, err = r.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderOversizedFinalLineWithoutNewline(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader(strings.Repeat("x", 512)), WithMaxLineSize(128))

	_, err := r.Next(ctx)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, int64(1), parseErr.Sequence)

	_, err = r.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestMaxLineSizeForScalesWithContentCap(t *testing.T) {
	// The cap must admit a full base64-inflated payload plus its envelope.
	limit := MaxLineSizeFor(3 * 1024 * 1024)
	require.Greater(t, limit, 4*1024*1024)

	// Tiny content caps still leave room for a whole buffered read.
	require.Equal(t, 64*1024, MaxLineSizeFor(1))
}

func TestReaderInvalidRecords(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		line string
	}{
		{"missing path", `{"op":"add","content":"x"}`},
		{"unknown op", `{"op":"rename","path":"a"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tc.line + "\n"))
			_, err := r.Next(ctx)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestReaderContentPrecedence(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader(
		`{"op":"modify","path":"a","content":"inline","content_b64":"aGk=","ref":"/tmp/x","size":10}` + "\n",
	))

	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "inline", change.Inline)
	require.Empty(t, change.Encoded)
	require.Empty(t, change.RefPath)
}

func TestReaderDeleteCarriesNoContent(t *testing.T) {
	ctx := context.Background()
	r := NewReader(strings.NewReader(
		`{"op":"delete","path":"gone.md","content":"stale"}` + "\n",
	))

	change, err := r.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, OpDelete, change.Op)
	require.False(t, change.HasContent())
}

func TestOperationJSONRoundTrip(t *testing.T) {
	for _, op := range []Operation{OpAdd, OpModify, OpDelete} {
		data, err := op.MarshalJSON()
		require.NoError(t, err)

		var got Operation
		require.NoError(t, got.UnmarshalJSON(data))
		require.Equal(t, op, got)
	}

	var got Operation
	require.NoError(t, got.UnmarshalJSON([]byte(`"rename"`)))
	require.Equal(t, OpUnknown, got)
}
