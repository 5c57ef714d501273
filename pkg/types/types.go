package types

import "time"

// UploadStatus is the lifecycle state of a server-side upload session.
type UploadStatus string

const (
	StatusUploading UploadStatus = "uploading"
	StatusCompleted UploadStatus = "completed"
	StatusExpired   UploadStatus = "expired"
)

// UploadSession is the server-side authoritative record of one in-flight
// transfer, keyed by UploadID.
type UploadSession struct {
	UploadID       string       `json:"upload_id" db:"upload_id"`
	FileName       string       `json:"file_name" db:"file_name"`
	MimeType       string       `json:"mime_type" db:"mime_type"`
	FileSizeBytes  int64        `json:"file_size_bytes" db:"file_size_bytes"`
	TotalChunks    int          `json:"total_chunks" db:"total_chunks"`
	OwnerID        string       `json:"owner_id" db:"owner_id"`
	WorkspaceID    string       `json:"workspace_id" db:"workspace_id"`
	ReceivedChunks map[int]bool `json:"received_chunks" db:"-"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at" db:"last_activity_at"`
	Status         UploadStatus `json:"status" db:"status"`

	// FileID is set once the session completes so a retried complete
	// call can return the same record.
	FileID string `json:"file_id,omitempty" db:"file_id"`
}

// ReceivedCount returns the number of distinct chunk indices stored.
func (s *UploadSession) ReceivedCount() int { return len(s.ReceivedChunks) }

// MissingChunks returns the sorted complement of ReceivedChunks in
// [0, TotalChunks).
func (s *UploadSession) MissingChunks() []int {
	missing := []int{}
	for i := 0; i < s.TotalChunks; i++ {
		if !s.ReceivedChunks[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clone returns a deep copy so callers can read a session outside the
// registry's per-key lock.
func (s *UploadSession) Clone() *UploadSession {
	cp := *s
	cp.ReceivedChunks = make(map[int]bool, len(s.ReceivedChunks))
	for k, v := range s.ReceivedChunks {
		cp.ReceivedChunks[k] = v
	}
	return &cp
}

// FileRecord is the permanent record created exactly once per
// successful completion.
type FileRecord struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	MimeType    string    `json:"mime_type" db:"mime_type"`
	SizeBytes   int64     `json:"size" db:"size_bytes"`
	StoragePath string    `json:"storage_path" db:"storage_path"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ChunkMeta carries the validated fields of one chunk request.
type ChunkMeta struct {
	UploadID      string
	OwnerID       string
	WorkspaceID   string
	ChunkIndex    int
	TotalChunks   int
	FileName      string
	MimeType      string
	FileSizeBytes int64
}

// ChunkResponse is the 200 body of the chunk action.
type ChunkResponse struct {
	UploadID   string `json:"uploadId"`
	ChunkIndex int    `json:"chunkIndex"`
	Received   int    `json:"received"`
	Total      int    `json:"total"`
}

// CompleteRequest is the JSON body of the complete and status actions.
type CompleteRequest struct {
	UploadID string `json:"uploadId" binding:"required"`
}

// CompleteResponse is the 200 body of the complete action.
type CompleteResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusResponse is the 200 body of the status action.
type StatusResponse struct {
	UploadID       string    `json:"uploadId"`
	FileName       string    `json:"filename"`
	TotalChunks    int       `json:"totalChunks"`
	ReceivedChunks []int     `json:"receivedChunks"`
	MissingChunks  []int     `json:"missingChunks"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

// IncompleteResponse is the structured 400 body of a premature
// complete call.
type IncompleteResponse struct {
	Error         string `json:"error"`
	MissingChunks []int  `json:"missingChunks"`
	Received      int    `json:"received"`
	Total         int    `json:"total"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
