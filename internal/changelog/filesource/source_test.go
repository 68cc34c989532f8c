package filesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
)

func writeFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changelog.jsonl")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSourceReadsRecordsInOrder(t *testing.T) {
	path := writeFile(t,
		`{"record_id":1,"kind":"CREATE","target_object_id":10}`,
		`{"record_id":2,"kind":"UNLINK","target_object_id":10}`,
	)

	s := New(path)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 1, false))
	defer s.Close()

	r1, err := s.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.RecordID)

	r2, err := s.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.RecordID)

	_, err = s.ReceiveNext(ctx)
	assert.ErrorIs(t, err, changelog.ErrEndOfStream)
}

func TestSourceSkipsRecordsBelowStartID(t *testing.T) {
	path := writeFile(t,
		`{"record_id":1,"kind":"CREATE","target_object_id":10}`,
		`{"record_id":2,"kind":"CREATE","target_object_id":11}`,
		`{"record_id":3,"kind":"CREATE","target_object_id":12}`,
	)

	s := New(path)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 3, false))
	defer s.Close()

	r, err := s.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.RecordID)

	_, err = s.ReceiveNext(ctx)
	assert.ErrorIs(t, err, changelog.ErrEndOfStream)
}

func TestSourceSkipsBlankLines(t *testing.T) {
	path := writeFile(t,
		`{"record_id":1,"kind":"CREATE","target_object_id":10}`,
		``,
		`{"record_id":2,"kind":"CREATE","target_object_id":11}`,
	)

	s := New(path)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 1, false))
	defer s.Close()

	r1, err := s.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.RecordID)

	r2, err := s.ReceiveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.RecordID)
}

func TestSourceUnknownKindIsReopenableError(t *testing.T) {
	path := writeFile(t, `{"record_id":1,"kind":"BOGUS","target_object_id":10}`)

	s := New(path)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 1, false))
	defer s.Close()

	_, err := s.ReceiveNext(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, changelog.ErrReopenable)
}

func TestSourceOpenMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.jsonl"))
	err := s.Open(context.Background(), 1, false)
	assert.Error(t, err)
}

func TestSourceClearIsNoOp(t *testing.T) {
	path := writeFile(t, `{"record_id":1,"kind":"CREATE","target_object_id":10}`)
	s := New(path)
	require.NoError(t, s.Open(context.Background(), 1, false))
	defer s.Close()

	assert.NoError(t, s.Clear(context.Background(), 1, "reader-a"))
}

func TestSourceCloseWithoutTailerOrFileIsNoOp(t *testing.T) {
	s := New("/never/opened")
	assert.NoError(t, s.Close())
}
