package main

import (
	"testing"
	"time"

	"github.com/sahib/f2cache/backing"
	"github.com/sahib/f2cache/pagecache"
	"github.com/sahib/f2cache/store"
	"github.com/sahib/f2cache/vfs"
	"github.com/sahib/f2cache/writer"
	"github.com/stretchr/testify/require"
)

func TestStressShort(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	fs, err := vfs.New(st, vfs.Options{
		Backing: backing.Options{MaxMemory: 64 * pagecache.PageSize},
		Writer:  writer.Options{Workers: 2, BatchSize: 32},
	})
	require.NoError(t, err)

	run := &stressRun{
		fs:           fs,
		workers:      4,
		duration:     300 * time.Millisecond,
		maxFileSize:  64 * pagecache.PageSize,
		syncInterval: 50 * time.Millisecond,
	}

	result := run.Run()
	require.NoError(t, fs.Close())

	require.True(t, result.Ops > 0)
	require.Equal(t, int64(0), result.Corrupted)
	require.Equal(t, int64(0), result.Failed)
	require.Equal(t, int64(0), fs.Counters().Dirty())
}
