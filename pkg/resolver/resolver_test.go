package resolver

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexsync/vexsync/pkg/changestream"
)

func TestResolveInline(t *testing.T) {
	content, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "a.md", Op: changestream.OpAdd, Inline: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content.Data)
	require.Equal(t, TierInline, content.Tier)
}

func TestResolveEncoded(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("binary\x00payload"))
	content, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "a.bin", Op: changestream.OpAdd, Encoded: encoded,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("binary\x00payload"), content.Data)
	require.Equal(t, TierEncoded, content.Tier)
}

func TestResolveEncodedInvalidBase64(t *testing.T) {
	_, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 3, Path: "a.bin", Op: changestream.OpAdd, Encoded: "!!not base64!!",
	})
	var resErr *ContentResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Equal(t, int64(3), resErr.Sequence)
	require.Equal(t, "a.bin", resErr.Path)
}

func TestResolveReference(t *testing.T) {
	ref := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(ref, []byte("from disk"), 0600))

	content, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "a.md", Op: changestream.OpModify, RefPath: ref, RefSize: 9,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("from disk"), content.Data)
	require.Equal(t, TierReference, content.Tier)
}

func TestResolveReferenceMissingFile(t *testing.T) {
	_, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "a.md", Op: changestream.OpModify,
		RefPath: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	var resErr *ContentResolutionError
	require.ErrorAs(t, err, &resErr)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveReferenceDeclaredSizeTooLarge(t *testing.T) {
	// The declared size alone rejects the item; the file is never opened.
	r := New(WithMaxContentSize(16))
	_, err := r.Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "big.md", Op: changestream.OpAdd,
		RefPath: filepath.Join(t.TempDir(), "never-opened"), RefSize: 17,
	})
	var resErr *ContentResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Contains(t, resErr.Reason, "declared size")
}

func TestResolveReferenceActualSizeWins(t *testing.T) {
	ref := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(ref, bytes.Repeat([]byte("x"), 32), 0600))

	// The producer understates the size; the on-disk size is what counts.
	r := New(WithMaxContentSize(16))
	_, err := r.Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "big.md", Op: changestream.OpAdd, RefPath: ref, RefSize: 8,
	})
	var resErr *ContentResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Contains(t, resErr.Reason, "actual size")
}

func TestResolveSkipIndex(t *testing.T) {
	content, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 1, Path: "vendor/big.js", Op: changestream.OpAdd,
		Inline: "should not matter", SkipIndex: true,
	})
	require.NoError(t, err)
	require.True(t, content.Skipped)
	require.Empty(t, content.Data)
}

func TestResolveNoRepresentation(t *testing.T) {
	_, err := New().Resolve(context.Background(), &changestream.Change{
		Sequence: 9, Path: "a.md", Op: changestream.OpAdd,
	})
	var resErr *ContentResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Equal(t, int64(9), resErr.Sequence)
}
