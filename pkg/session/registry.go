package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/events"
	"github.com/uplinkd/uplink/pkg/metrics"
	"github.com/uplinkd/uplink/pkg/storage"
	"github.com/uplinkd/uplink/pkg/types"
)

// DefaultMaxFileSize caps the declared size of a single upload.
const DefaultMaxFileSize = 500 * 1024 * 1024 // 500 MiB

// DefaultSessionMaxAge is how long an idle session survives before the
// sweep reclaims it.
const DefaultSessionMaxAge = 24 * time.Hour

// Authorizer answers whether an owner may upload into a workspace.
// The real implementation lives with the (out of scope) identity
// service; AllowAll is the standalone default.
type Authorizer interface {
	CanAccess(ctx context.Context, ownerID, workspaceID string) (bool, error)
}

// AllowAll authorizes every owner for every workspace.
type AllowAll struct{}

func (AllowAll) CanAccess(ctx context.Context, ownerID, workspaceID string) (bool, error) {
	return true, nil
}

// StaticAuthorizer authorizes from a fixed workspace -> members map.
type StaticAuthorizer map[string][]string

func (a StaticAuthorizer) CanAccess(ctx context.Context, ownerID, workspaceID string) (bool, error) {
	for _, member := range a[workspaceID] {
		if member == ownerID {
			return true, nil
		}
	}
	return false, nil
}

// Config tunes the registry.
type Config struct {
	// MaxFileSize rejects sessions whose declared or implied size
	// exceeds it. Defaults to DefaultMaxFileSize.
	MaxFileSize int64
	// SessionMaxAge is the idle lifetime checked by the sweep.
	// Defaults to DefaultSessionMaxAge.
	SessionMaxAge time.Duration
	// TempPrefix is the storage prefix for in-flight chunk blobs.
	TempPrefix string
	// PermanentPrefix is the storage prefix for finalized files.
	PermanentPrefix string
}

func (c *Config) applyDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = DefaultSessionMaxAge
	}
	if c.TempPrefix == "" {
		c.TempPrefix = "temp"
	}
	if c.PermanentPrefix == "" {
		c.PermanentPrefix = "workspaces"
	}
}

// Registry is the authoritative server-side state per in-flight upload.
// All mutations of one session are serialized by a per-uploadId mutex;
// sessions proceed fully in parallel with each other. Complete shares
// the same mutex, so a chunk racing a finalization can never corrupt
// the assembled result.
type Registry struct {
	sessions SessionStore
	files    FileStore
	backend  storage.Backend
	auth     Authorizer
	events   events.Publisher
	metrics  *metrics.Collector
	logger   *log.Logger
	cfg      Config

	locks sync.Map // uploadID -> *sync.Mutex

	// Reloadable tunables, updated by the config watcher while
	// requests are in flight.
	maxFileSize   atomic.Int64
	sessionMaxAge atomic.Int64

	// now is swapped out in expiry tests.
	now func() time.Time
}

func NewRegistry(sessions SessionStore, files FileStore, backend storage.Backend, opts ...Option) *Registry {
	r := &Registry{
		sessions: sessions,
		files:    files,
		backend:  backend,
		auth:     AllowAll{},
		events:   events.NullPublisher{},
		metrics:  metrics.NewCollector(),
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg.applyDefaults()
	r.maxFileSize.Store(r.cfg.MaxFileSize)
	r.sessionMaxAge.Store(int64(r.cfg.SessionMaxAge))
	return r
}

// SetMaxFileSize applies a reloaded size cap to future sessions.
func (r *Registry) SetMaxFileSize(limit int64) {
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	r.maxFileSize.Store(limit)
}

// SetSessionMaxAge applies a reloaded idle lifetime to future sweeps.
func (r *Registry) SetSessionMaxAge(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	r.sessionMaxAge.Store(int64(maxAge))
}

// Option configures a Registry.
type Option func(*Registry)

func WithAuthorizer(a Authorizer) Option      { return func(r *Registry) { r.auth = a } }
func WithPublisher(p events.Publisher) Option { return func(r *Registry) { r.events = p } }
func WithMetrics(c *metrics.Collector) Option { return func(r *Registry) { r.metrics = c } }
func WithLogger(l *log.Logger) Option         { return func(r *Registry) { r.logger = l } }
func WithConfig(cfg Config) Option            { return func(r *Registry) { r.cfg = cfg } }
func withClock(now func() time.Time) Option   { return func(r *Registry) { r.now = now } }

func (r *Registry) lock(uploadID string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(uploadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (r *Registry) chunkPath(uploadID string, index int) string {
	return fmt.Sprintf("%s/%s/chunk_%d", r.cfg.TempPrefix, uploadID, index)
}

func (r *Registry) tempPrefix(uploadID string) string {
	return fmt.Sprintf("%s/%s", r.cfg.TempPrefix, uploadID)
}

// Metrics exposes the collector for the stats endpoint.
func (r *Registry) Metrics() *metrics.Collector { return r.metrics }

// Pinger is implemented by stores backed by an external resource.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping verifies the session store is reachable. Stores without an
// external resource always report healthy.
func (r *Registry) Ping(ctx context.Context) error {
	if p, ok := r.sessions.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func validateChunkMeta(meta types.ChunkMeta) error {
	switch {
	case meta.UploadID == "":
		return apperrors.Validation("fileId is required")
	case meta.OwnerID == "":
		return apperrors.ErrUnauthenticated
	case meta.FileName == "":
		return apperrors.Validation("fileName is required")
	case meta.TotalChunks <= 0:
		return apperrors.Validation("totalChunks must be positive")
	case meta.ChunkIndex < 0 || meta.ChunkIndex >= meta.TotalChunks:
		return apperrors.Validation("chunkIndex %d out of range [0, %d)", meta.ChunkIndex, meta.TotalChunks)
	case meta.FileSizeBytes <= 0:
		return apperrors.Validation("fileSize must be positive")
	}
	return nil
}

// RecordChunk stores one chunk, creating the session on the first
// chunk. Writing the same index twice is an idempotent success.
func (r *Registry) RecordChunk(ctx context.Context, meta types.ChunkMeta, data []byte) (received, total int, err error) {
	if err := validateChunkMeta(meta); err != nil {
		return 0, 0, err
	}
	if len(data) == 0 {
		return 0, 0, apperrors.Validation("chunk payload is empty")
	}

	mu := r.lock(meta.UploadID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := r.sessions.Get(ctx, meta.UploadID)
	switch {
	case err == nil:
	case isNotFound(err):
		if meta.ChunkIndex > 0 {
			// Session expired mid-transfer; the client restarts
			// from chunk 0.
			return 0, 0, apperrors.ErrSessionNotFound
		}
		sess, err = r.createSession(ctx, meta, int64(len(data)))
		if err != nil {
			return 0, 0, err
		}
	default:
		return 0, 0, apperrors.Internal("load session", err)
	}

	if sess.OwnerID != meta.OwnerID {
		return 0, 0, apperrors.ErrOwnerMismatch
	}
	if sess.Status == types.StatusCompleted {
		// Late retry racing a finished finalize: the file is already
		// assembled, accept the write as a no-op.
		return sess.TotalChunks, sess.TotalChunks, nil
	}
	if meta.TotalChunks != sess.TotalChunks {
		return 0, 0, apperrors.Validation("totalChunks %d does not match session (%d)", meta.TotalChunks, sess.TotalChunks)
	}

	if sess.ReceivedChunks[meta.ChunkIndex] {
		r.metrics.ChunkDuplicate()
		sess.LastActivityAt = r.now()
		if err := r.sessions.Put(ctx, sess); err != nil {
			return 0, 0, apperrors.Internal("update session", err)
		}
		return sess.ReceivedCount(), sess.TotalChunks, nil
	}

	if err := r.backend.Write(ctx, r.chunkPath(meta.UploadID, meta.ChunkIndex), data); err != nil {
		return 0, 0, apperrors.Internal("store chunk", err)
	}

	before := progressPercent(sess.ReceivedCount(), sess.TotalChunks)
	sess.ReceivedChunks[meta.ChunkIndex] = true
	sess.LastActivityAt = r.now()
	if err := r.sessions.Put(ctx, sess); err != nil {
		return 0, 0, apperrors.Internal("update session", err)
	}

	r.metrics.ChunkReceived(int64(len(data)))
	r.publishProgress(sess, before)

	return sess.ReceivedCount(), sess.TotalChunks, nil
}

func (r *Registry) createSession(ctx context.Context, meta types.ChunkMeta, chunkLen int64) (*types.UploadSession, error) {
	ok, err := r.auth.CanAccess(ctx, meta.OwnerID, meta.WorkspaceID)
	if err != nil {
		return nil, apperrors.Internal("authorize workspace", err)
	}
	if !ok {
		return nil, apperrors.ErrWorkspaceDenied
	}

	limit := r.maxFileSize.Load()
	if meta.FileSizeBytes > limit {
		return nil, apperrors.ErrFileTooLarge
	}
	// The declared chunk count times the first chunk's size bounds the
	// final file from below for every chunk but the last, so an
	// oversized transfer is rejected before any real data piles up.
	if implied := int64(meta.TotalChunks-1) * chunkLen; implied > limit {
		return nil, apperrors.ErrFileTooLarge
	}

	if err := r.backend.CreateContainer(ctx, r.tempPrefix(meta.UploadID)); err != nil {
		return nil, apperrors.Internal("prepare chunk storage", err)
	}

	now := r.now()
	sess := &types.UploadSession{
		UploadID:       meta.UploadID,
		FileName:       meta.FileName,
		MimeType:       meta.MimeType,
		FileSizeBytes:  meta.FileSizeBytes,
		TotalChunks:    meta.TotalChunks,
		OwnerID:        meta.OwnerID,
		WorkspaceID:    meta.WorkspaceID,
		ReceivedChunks: make(map[int]bool),
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         types.StatusUploading,
	}
	if err := r.sessions.Put(ctx, sess); err != nil {
		return nil, apperrors.Internal("create session", err)
	}

	r.metrics.SessionStarted()
	r.publish(events.Event{
		Type:        events.TypeUploadStarted,
		FileID:      meta.UploadID,
		FileName:    meta.FileName,
		FileSize:    meta.FileSizeBytes,
		UploadedBy:  meta.OwnerID,
		WorkspaceID: meta.WorkspaceID,
	})
	r.logger.Info("upload session created",
		"upload_id", meta.UploadID, "file", meta.FileName,
		"chunks", meta.TotalChunks, "owner", meta.OwnerID)

	return sess, nil
}

// GetStatus reports progress for one session.
func (r *Registry) GetStatus(ctx context.Context, uploadID, ownerID string) (*types.StatusResponse, error) {
	if uploadID == "" {
		return nil, apperrors.Validation("uploadId is required")
	}
	if ownerID == "" {
		return nil, apperrors.ErrUnauthenticated
	}

	sess, err := r.sessions.Get(ctx, uploadID)
	if isNotFound(err) {
		return nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, apperrors.Internal("load session", err)
	}
	if sess.OwnerID != ownerID {
		return nil, apperrors.ErrOwnerMismatch
	}

	received := make([]int, 0, sess.ReceivedCount())
	for i := 0; i < sess.TotalChunks; i++ {
		if sess.ReceivedChunks[i] {
			received = append(received, i)
		}
	}

	return &types.StatusResponse{
		UploadID:       sess.UploadID,
		FileName:       sess.FileName,
		TotalChunks:    sess.TotalChunks,
		ReceivedChunks: received,
		MissingChunks:  sess.MissingChunks(),
		CreatedAt:      sess.CreatedAt,
		LastActivity:   sess.LastActivityAt,
	}, nil
}

// ExpireStale removes sessions idle for longer than maxAge, releasing
// their temporary chunk storage. Returns the number of sessions swept.
func (r *Registry) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	sessions, err := r.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := r.now().Add(-maxAge)
	expired := 0
	for _, sess := range sessions {
		if sess.LastActivityAt.After(cutoff) {
			continue
		}

		mu := r.lock(sess.UploadID)
		mu.Lock()
		// Re-check under the lock; a chunk may have landed since List.
		current, err := r.sessions.Get(ctx, sess.UploadID)
		if err != nil || current.LastActivityAt.After(cutoff) {
			mu.Unlock()
			continue
		}

		if err := r.backend.DeleteAll(ctx, r.tempPrefix(sess.UploadID)); err != nil {
			r.logger.Error("failed to release chunks for stale session",
				"upload_id", sess.UploadID, "error", err)
			mu.Unlock()
			continue
		}
		if err := r.sessions.Delete(ctx, sess.UploadID); err != nil {
			r.logger.Error("failed to delete stale session",
				"upload_id", sess.UploadID, "error", err)
			mu.Unlock()
			continue
		}
		mu.Unlock()
		// The lock entry is retained: deleting it could hand a
		// goroutine still holding this mutex and a later LoadOrStore
		// caller two different locks for the same uploadId.

		r.metrics.SessionExpired()
		r.logger.Info("expired stale upload session",
			"upload_id", sess.UploadID, "last_activity", sess.LastActivityAt)
		expired++
	}
	return expired, nil
}

// Sweep runs ExpireStale on a ticker until ctx is cancelled. The idle
// lifetime is re-read every tick so config reloads take effect.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := time.Duration(r.sessionMaxAge.Load())
			if _, err := r.ExpireStale(ctx, maxAge); err != nil {
				r.logger.Error("stale session sweep failed", "error", err)
			}
		}
	}
}

func progressPercent(received, total int) int {
	if total == 0 {
		return 0
	}
	return received * 100 / total
}

// publishProgress emits upload_progress whenever a 20% milestone is
// crossed.
func (r *Registry) publishProgress(sess *types.UploadSession, before int) {
	after := progressPercent(sess.ReceivedCount(), sess.TotalChunks)
	milestone := (before/20 + 1) * 20
	if after < milestone || milestone > 100 {
		return
	}
	r.publish(events.Event{
		Type:        events.TypeUploadProgress,
		FileID:      sess.UploadID,
		FileName:    sess.FileName,
		FileSize:    sess.FileSizeBytes,
		UploadedBy:  sess.OwnerID,
		WorkspaceID: sess.WorkspaceID,
		Progress:    after,
	})
}

func (r *Registry) publish(e events.Event) {
	e.Timestamp = r.now()
	if err := r.events.Publish(e); err != nil {
		r.logger.Warn("event publish failed", "type", e.Type, "error", err)
	}
}

func isNotFound(err error) bool {
	return apperrors.KindOf(err) == apperrors.KindNotFound && err != nil
}
