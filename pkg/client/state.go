package client

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Status is the client-side lifecycle state of one transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// UploadState mirrors one transfer's progress. Serialized to the local
// progress store after every accepted chunk so an interrupted process
// can resume where it left off.
type UploadState struct {
	UploadID        string     `json:"upload_id"`
	FilePath        string     `json:"file_path"`
	FileName        string     `json:"file_name"`
	WorkspaceID     string     `json:"workspace_id"`
	MimeType        string     `json:"mime_type,omitempty"`
	FileSizeBytes   int64      `json:"file_size_bytes"`
	ChunkSizeBytes  int64      `json:"chunk_size_bytes"`
	TotalChunks     int        `json:"total_chunks"`
	UploadedChunks  []int      `json:"uploaded_chunks"`
	UploadedBytes   int64      `json:"uploaded_bytes"`
	ProgressPercent int        `json:"progress_percent"`
	Status          Status     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	StartedAt       time.Time  `json:"started_at"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
}

// Uploaded reports whether index is already acknowledged.
func (s *UploadState) Uploaded(index int) bool {
	for _, i := range s.UploadedChunks {
		if i == index {
			return true
		}
	}
	return false
}

// MarkUploaded records an acknowledged chunk and refreshes the derived
// byte and percentage counters.
func (s *UploadState) MarkUploaded(index int, size int64) {
	if s.Uploaded(index) {
		return
	}
	s.UploadedChunks = append(s.UploadedChunks, index)
	sort.Ints(s.UploadedChunks)
	s.UploadedBytes += size
	if s.FileSizeBytes > 0 {
		s.ProgressPercent = int(s.UploadedBytes * 100 / s.FileSizeBytes)
	}
}

// SetUploaded replaces the acknowledged set wholesale, as when
// reconciling against the server's receivedChunks.
func (s *UploadState) SetUploaded(indices []int) {
	s.UploadedChunks = append([]int(nil), indices...)
	sort.Ints(s.UploadedChunks)
	s.UploadedBytes = 0
	for _, i := range s.UploadedChunks {
		s.UploadedBytes += s.chunkLen(i)
	}
	if s.FileSizeBytes > 0 {
		s.ProgressPercent = int(s.UploadedBytes * 100 / s.FileSizeBytes)
	}
}

// chunkLen is the byte length of chunk index; only the last chunk may
// be short.
func (s *UploadState) chunkLen(index int) int64 {
	if index == s.TotalChunks-1 {
		if rem := s.FileSizeBytes - int64(index)*s.ChunkSizeBytes; rem < s.ChunkSizeBytes {
			return rem
		}
	}
	return s.ChunkSizeBytes
}

// DeriveUploadID builds the stable transfer identity from the file's
// name, size and modification time, so re-selecting the same file
// resumes instead of restarting.
func DeriveUploadID(name string, size int64, modTime time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d", name, size, modTime.UnixNano())))
	return hex.EncodeToString(sum[:])
}
