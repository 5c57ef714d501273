package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/types"
)

// DefaultChunkSize
const DefaultChunkSize = 1024 * 1024 // 1 MiB

// ProgressUpdate is delivered to the caller at every chunk boundary.
type ProgressUpdate struct {
	UploadID        string
	UploadedBytes   int64
	ProgressPercent int
}

// Options tunes one transfer.
type Options struct {
	WorkspaceID string
	// UploadID overrides the derived identity.
	UploadID  string
	ChunkSize int64
	MimeType  string
	Retry     RetryPolicy

	OnProgress func(ProgressUpdate)
	OnComplete func(*types.CompleteResponse)
	OnError    func(uploadID string, err error)
}

// controller is the single cancellation token owned per active
// transfer.
type controller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator drives resumable uploads: it slices local files, sends
// chunks with retry/backoff, persists progress across restarts, and
// reconciles with the server on resume. All state mutation funnels
// through apply, so progress updates, pause and error paths cannot
// race within one upload's lifecycle.
type Coordinator struct {
	transport Transport
	store     *ProgressStore
	logger    *log.Logger

	mu      sync.Mutex
	states  map[string]*UploadState
	active  map[string]*controller
	options map[string]Options // retained for resume-after-reconnect
}

func NewCoordinator(transport Transport, store *ProgressStore) (*Coordinator, error) {
	states, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load persisted progress: %w", err)
	}
	// Transfers interrupted by a process exit come back paused.
	for _, state := range states {
		if state.Status == StatusUploading || state.Status == StatusPending {
			state.Status = StatusPaused
		}
	}
	return &Coordinator{
		transport: transport,
		store:     store,
		logger:    log.Default(),
		states:    states,
		active:    map[string]*controller{},
		options:   map[string]Options{},
	}, nil
}

// apply is the single writer for upload state. It mutates under the
// lock and rewrites the whole progress file from the in-memory map.
func (c *Coordinator) apply(uploadID string, mutate func(*UploadState)) *UploadState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[uploadID]
	if !ok {
		return nil
	}
	mutate(state)
	if err := c.store.Save(c.states); err != nil {
		c.logger.Warn("failed to persist upload progress", "upload_id", uploadID, "error", err)
	}
	cp := *state
	return &cp
}

// State returns a copy of the current state for uploadID.
func (c *Coordinator) State(uploadID string) (*UploadState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[uploadID]
	if !ok {
		return nil, false
	}
	cp := *state
	return &cp, true
}

// Start begins (or silently resumes) uploading filePath. The transfer
// runs in its own goroutine; Wait joins it.
func (c *Coordinator) Start(ctx context.Context, filePath string, opts Options) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("stat upload file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", filePath)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	uploadID := opts.UploadID
	if uploadID == "" {
		uploadID = DeriveUploadID(info.Name(), info.Size(), info.ModTime())
	}
	totalChunks := int((info.Size() + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		return "", fmt.Errorf("refusing to upload empty file %s", filePath)
	}

	c.mu.Lock()
	if _, busy := c.active[uploadID]; busy {
		c.mu.Unlock()
		return "", fmt.Errorf("upload %s already in progress", uploadID)
	}

	state, ok := c.states[uploadID]
	if ok && state.FileName == info.Name() && state.FileSizeBytes == info.Size() &&
		state.ChunkSizeBytes == chunkSize {
		// Same file identity: keep the acknowledged chunk set and
		// continue where the previous run stopped.
		state.FilePath = filePath
		state.Status = StatusPending
		state.PausedAt = nil
	} else {
		state = &UploadState{
			UploadID:       uploadID,
			FilePath:       filePath,
			FileName:       info.Name(),
			WorkspaceID:    opts.WorkspaceID,
			MimeType:       opts.MimeType,
			FileSizeBytes:  info.Size(),
			ChunkSizeBytes: chunkSize,
			TotalChunks:    totalChunks,
			UploadedChunks: []int{},
			Status:         StatusPending,
			StartedAt:      time.Now(),
		}
		c.states[uploadID] = state
	}
	c.options[uploadID] = opts

	runCtx, cancel := context.WithCancel(ctx)
	ctl := &controller{cancel: cancel, done: make(chan struct{})}
	c.active[uploadID] = ctl
	if err := c.store.Save(c.states); err != nil {
		c.logger.Warn("failed to persist upload progress", "upload_id", uploadID, "error", err)
	}
	c.mu.Unlock()

	go c.run(runCtx, uploadID, ctl, opts)
	return uploadID, nil
}

func (c *Coordinator) run(ctx context.Context, uploadID string, ctl *controller, opts Options) {
	defer close(ctl.done)
	defer func() {
		c.mu.Lock()
		delete(c.active, uploadID)
		c.mu.Unlock()
	}()

	state := c.apply(uploadID, func(s *UploadState) {
		s.Status = StatusUploading
		s.PausedAt = nil
	})
	if state == nil {
		return
	}

	file, err := os.Open(state.FilePath)
	if err != nil {
		c.fail(uploadID, opts, fmt.Errorf("open upload file: %w", err))
		return
	}
	defer file.Close()

	for index := 0; index < state.TotalChunks; index++ {
		if state.Uploaded(index) {
			continue
		}
		if ctx.Err() != nil {
			c.handleStop(uploadID)
			return
		}

		data, err := readChunk(file, state, index)
		if err != nil {
			c.fail(uploadID, opts, err)
			return
		}

		meta := types.ChunkMeta{
			UploadID:      uploadID,
			WorkspaceID:   state.WorkspaceID,
			ChunkIndex:    index,
			TotalChunks:   state.TotalChunks,
			FileName:      state.FileName,
			MimeType:      state.MimeType,
			FileSizeBytes: state.FileSizeBytes,
		}

		attempts, err := opts.Retry.Run(ctx, func() error {
			_, sendErr := c.transport.SendChunk(ctx, meta, data)
			return sendErr
		})
		if attempts > 1 {
			c.apply(uploadID, func(s *UploadState) { s.RetryCount += attempts - 1 })
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				c.handleStop(uploadID)
				return
			}
			if apperrors.ClassifyError(err) == apperrors.RetryNever {
				c.logger.Error("chunk rejected, aborting upload",
					"upload_id", uploadID, "chunk", index, "error", err)
			}
			c.fail(uploadID, opts, fmt.Errorf("chunk %d: %w", index, err))
			return
		}

		updated := c.apply(uploadID, func(s *UploadState) {
			s.MarkUploaded(index, int64(len(data)))
		})
		if updated == nil {
			// Cancelled mid-chunk.
			return
		}
		state = updated
		if opts.OnProgress != nil {
			opts.OnProgress(ProgressUpdate{
				UploadID:        uploadID,
				UploadedBytes:   updated.UploadedBytes,
				ProgressPercent: updated.ProgressPercent,
			})
		}
	}

	var record *types.CompleteResponse
	_, err = opts.Retry.Run(ctx, func() error {
		var completeErr error
		record, completeErr = c.transport.Complete(ctx, uploadID)
		return completeErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			c.handleStop(uploadID)
			return
		}
		c.fail(uploadID, opts, fmt.Errorf("complete upload: %w", err))
		return
	}

	c.mu.Lock()
	delete(c.states, uploadID)
	delete(c.options, uploadID)
	if saveErr := c.store.Save(c.states); saveErr != nil {
		c.logger.Warn("failed to clear completed upload", "upload_id", uploadID, "error", saveErr)
	}
	c.mu.Unlock()

	c.logger.Info("upload completed", "upload_id", uploadID, "file_id", record.ID)
	if opts.OnComplete != nil {
		opts.OnComplete(record)
	}
}

func readChunk(file *os.File, state *UploadState, index int) ([]byte, error) {
	offset := int64(index) * state.ChunkSizeBytes
	length := state.chunkLen(index)
	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf, nil
}

// handleStop records a context cancellation. Cancel removes the state
// before cancelling, so a state that still exists means the stop was a
// pause, whether it came from Pause or from the caller's context; an
// interrupted transfer must come back resumable either way.
func (c *Coordinator) handleStop(uploadID string) {
	paused := c.apply(uploadID, func(s *UploadState) {
		s.Status = StatusPaused
		now := time.Now()
		s.PausedAt = &now
	})
	if paused != nil {
		c.logger.Info("upload paused", "upload_id", uploadID)
	}
}

func (c *Coordinator) fail(uploadID string, opts Options, err error) {
	c.apply(uploadID, func(s *UploadState) { s.Status = StatusFailed })
	c.logger.Error("upload failed", "upload_id", uploadID, "error", err)
	if opts.OnError != nil {
		opts.OnError(uploadID, err)
	}
}

// Pause stops the in-flight transfer without treating it as a failure.
// Progress is retained for a later Resume.
func (c *Coordinator) Pause(uploadID string) error {
	c.mu.Lock()
	ctl, ok := c.active[uploadID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no active upload %s", uploadID)
	}
	c.mu.Unlock()

	ctl.cancel()
	<-ctl.done
	return nil
}

// Resume reconciles local progress with the server and continues a
// paused or failed transfer. If the server no longer knows the session
// the upload restarts from chunk 0.
func (c *Coordinator) Resume(ctx context.Context, uploadID string, opts Options) error {
	state, ok := c.State(uploadID)
	if !ok {
		return fmt.Errorf("no stored progress for upload %s", uploadID)
	}
	if state.Status != StatusPaused && state.Status != StatusFailed {
		return fmt.Errorf("upload %s is %s, not resumable", uploadID, state.Status)
	}

	status, err := c.transport.Status(ctx, uploadID)
	switch {
	case err == nil:
		c.apply(uploadID, func(s *UploadState) { s.SetUploaded(status.ReceivedChunks) })
	default:
		if he, ok := apperrors.AsHTTPError(err); ok && he.StatusCode == 404 {
			// Session expired server-side: start over from chunk 0.
			c.logger.Info("server session gone, restarting upload", "upload_id", uploadID)
			c.apply(uploadID, func(s *UploadState) { s.SetUploaded(nil) })
		} else {
			return fmt.Errorf("reconcile upload %s: %w", uploadID, err)
		}
	}

	if opts.WorkspaceID == "" {
		opts.WorkspaceID = state.WorkspaceID
	}
	opts.UploadID = uploadID
	_, err = c.Start(ctx, state.FilePath, opts)
	return err
}

// Retry restarts a failed upload; an alias of Resume with intent made
// explicit at call sites.
func (c *Coordinator) Retry(ctx context.Context, uploadID string, opts Options) error {
	return c.Resume(ctx, uploadID, opts)
}

// Cancel aborts the transfer and discards its local progress. The
// server session is left to the stale sweep.
func (c *Coordinator) Cancel(uploadID string) error {
	c.mu.Lock()
	ctl, active := c.active[uploadID]
	delete(c.states, uploadID)
	delete(c.options, uploadID)
	if err := c.store.Save(c.states); err != nil {
		c.logger.Warn("failed to clear cancelled upload", "upload_id", uploadID, "error", err)
	}
	c.mu.Unlock()

	if active {
		ctl.cancel()
		<-ctl.done
	}
	return nil
}

// Wait blocks until the transfer goroutine for uploadID exits. Returns
// immediately when none is active.
func (c *Coordinator) Wait(uploadID string) {
	c.mu.Lock()
	ctl, ok := c.active[uploadID]
	c.mu.Unlock()
	if ok {
		<-ctl.done
	}
}

// PauseAll pauses every transfer currently uploading; used by the
// network monitor on a connectivity drop.
func (c *Coordinator) PauseAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.Pause(id); err != nil {
			c.logger.Warn("pause failed", "upload_id", id, "error", err)
		}
	}
}

// ResumeAll resumes every paused transfer whose options were retained;
// used by the network monitor once connectivity returns.
func (c *Coordinator) ResumeAll(ctx context.Context) {
	c.mu.Lock()
	type pending struct {
		id   string
		opts Options
	}
	var resumable []pending
	for id, state := range c.states {
		if state.Status != StatusPaused {
			continue
		}
		opts, ok := c.options[id]
		if !ok {
			continue
		}
		resumable = append(resumable, pending{id: id, opts: opts})
	}
	c.mu.Unlock()

	for _, p := range resumable {
		if err := c.Resume(ctx, p.id, p.opts); err != nil {
			c.logger.Warn("resume failed", "upload_id", p.id, "error", err)
		}
	}
}
