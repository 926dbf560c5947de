package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocal_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := NewLocal(dir)

	ref, err := st.Put(ctx, JobKey("job-1", "captions.srt"), []byte("one"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "jobs", "job-1", "captions.srt"), ref)

	_, err = st.Put(ctx, JobKey("job-1", "captions.srt"), []byte("two"), "text/plain")
	require.NoError(t, err)

	got, err := st.Get(ctx, "jobs/job-1/captions.srt")
	require.NoError(t, err)
	require.Equal(t, "two", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "jobs", "job-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLocal_ConcurrentWritersSameKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := NewLocal(dir)
	key := JobKey("job-1", "export.json")

	const writers = 16
	bodies := make([][]byte, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		bodies[i] = bytes.Repeat([]byte{byte('a' + i)}, 256<<10)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.Put(ctx, key, bodies[i], "application/json")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := st.Get(ctx, key)
	require.NoError(t, err)
	require.Contains(t, bodies, got)

	entries, err := os.ReadDir(filepath.Join(dir, "jobs", "job-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLocal_KeysStayUnderRoot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := NewLocal(dir)

	ref, err := st.Put(ctx, "../../escape.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "escape.txt"), ref)

	_, err = st.Put(ctx, "", []byte("x"), "text/plain")
	require.Error(t, err)

	_, err = st.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, Options{LocalDir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &Local{}, st)

	_, err = Open(ctx, Options{Driver: "s3"})
	require.Error(t, err)
	_, err = Open(ctx, Options{Driver: "gcs"})
	require.Error(t, err)
	_, err = Open(ctx, Options{Driver: "ftp"})
	require.Error(t, err)
}
