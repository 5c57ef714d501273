package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.json")
	store := NewProgressStore(path)

	started := time.Now().Truncate(time.Second)
	states := map[string]*UploadState{
		"u1": {
			UploadID:       "u1",
			FilePath:       "/data/report.pdf",
			FileName:       "report.pdf",
			WorkspaceID:    "ws-1",
			FileSizeBytes:  3 * 1024 * 1024,
			ChunkSizeBytes: 1024 * 1024,
			TotalChunks:    3,
			UploadedChunks: []int{0, 2},
			Status:         StatusPaused,
			StartedAt:      started,
		},
	}
	require.NoError(t, store.Save(states))

	// A fresh store over the same file simulates a process restart.
	reloaded, err := NewProgressStore(path).Load()
	require.NoError(t, err)
	require.Contains(t, reloaded, "u1")

	got := reloaded["u1"]
	assert.Equal(t, "report.pdf", got.FileName)
	assert.Equal(t, []int{0, 2}, got.UploadedChunks)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, 3, got.TotalChunks)
}

func TestProgressStoreMissingFileIsEmpty(t *testing.T) {
	store := NewProgressStore(filepath.Join(t.TempDir(), "nope", "uploads.json"))

	states, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestProgressStoreSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "uploads.json")
	store := NewProgressStore(path)

	require.NoError(t, store.Save(map[string]*UploadState{}))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestProgressStoreCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewProgressStore(path).Load()
	assert.Error(t, err)
}

func TestDeriveUploadIDStable(t *testing.T) {
	mod := time.Unix(1700000000, 42)

	a := DeriveUploadID("video.mp4", 1<<20, mod)
	b := DeriveUploadID("video.mp4", 1<<20, mod)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, DeriveUploadID("video.mp4", 1<<20, mod.Add(time.Second)))
	assert.NotEqual(t, a, DeriveUploadID("video.mp4", 2<<20, mod))
	assert.NotEqual(t, a, DeriveUploadID("other.mp4", 1<<20, mod))
	assert.Len(t, a, 40)
}

func TestUploadStateChunkAccounting(t *testing.T) {
	state := &UploadState{
		FileSizeBytes:  2*1024*1024 + 512,
		ChunkSizeBytes: 1024 * 1024,
		TotalChunks:    3,
	}

	state.MarkUploaded(0, 1024*1024)
	state.MarkUploaded(0, 1024*1024) // duplicate ack ignored
	state.MarkUploaded(2, 512)

	assert.Equal(t, []int{0, 2}, state.UploadedChunks)
	assert.Equal(t, int64(1024*1024+512), state.UploadedBytes)
	assert.True(t, state.Uploaded(2))
	assert.False(t, state.Uploaded(1))

	// Reconciling against server state replaces the set.
	state.SetUploaded([]int{1, 0})
	assert.Equal(t, []int{0, 1}, state.UploadedChunks)
	assert.Equal(t, int64(2*1024*1024), state.UploadedBytes)

	assert.Equal(t, int64(512), state.chunkLen(2))
	assert.Equal(t, int64(1024*1024), state.chunkLen(1))
}
