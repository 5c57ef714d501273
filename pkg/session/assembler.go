package session

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/events"
	"github.com/uplinkd/uplink/pkg/types"
)

// Complete assembles the received chunks into the permanent file,
// creates the FileRecord and releases the temporary chunk storage.
// Holding the same per-session mutex as RecordChunk makes finalization
// mutually exclusive with concurrently arriving chunks. A failed
// attempt leaves the session uploading, so the call is safe to retry;
// a repeated call after success returns the already-created record.
func (r *Registry) Complete(ctx context.Context, uploadID, ownerID string) (*types.FileRecord, error) {
	if uploadID == "" {
		return nil, apperrors.Validation("uploadId is required")
	}
	if ownerID == "" {
		return nil, apperrors.ErrUnauthenticated
	}

	mu := r.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

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
	if sess.Status == types.StatusCompleted {
		record, err := r.files.Get(ctx, sess.FileID)
		if err != nil {
			return nil, apperrors.ErrSessionNotFound
		}
		return record, nil
	}

	if sess.ReceivedCount() != sess.TotalChunks {
		return nil, &apperrors.IncompleteError{
			MissingChunks: sess.MissingChunks(),
			Received:      sess.ReceivedCount(),
			Total:         sess.TotalChunks,
		}
	}

	assembled, err := r.assemble(ctx, sess)
	if err != nil {
		return nil, err
	}
	if int64(len(assembled)) != sess.FileSizeBytes {
		return nil, apperrors.Internal(
			fmt.Sprintf("assembled size %d does not match declared %d", len(assembled), sess.FileSizeBytes), nil)
	}

	mime := sess.MimeType
	if mime == "" {
		mime = mimetype.Detect(assembled).String()
	}

	record := &types.FileRecord{
		ID:          uuid.NewString(),
		Name:        sess.FileName,
		MimeType:    mime,
		SizeBytes:   int64(len(assembled)),
		WorkspaceID: sess.WorkspaceID,
		OwnerID:     sess.OwnerID,
		CreatedAt:   r.now(),
	}
	record.StoragePath = fmt.Sprintf("%s/%s/files/%s%s",
		r.cfg.PermanentPrefix, sess.WorkspaceID, record.ID, path.Ext(sess.FileName))

	if err := r.backend.Write(ctx, record.StoragePath, assembled); err != nil {
		return nil, apperrors.Internal("store assembled file", err)
	}
	if err := r.files.Save(ctx, record); err != nil {
		// Roll the object back so a completed session can never exist
		// without its FileRecord.
		_ = r.backend.Delete(ctx, record.StoragePath)
		return nil, apperrors.Internal("store file record", err)
	}

	sess.Status = types.StatusCompleted
	sess.FileID = record.ID
	sess.LastActivityAt = r.now()
	if err := r.sessions.Put(ctx, sess); err != nil {
		_ = r.files.Delete(ctx, record.ID)
		_ = r.backend.Delete(ctx, record.StoragePath)
		return nil, apperrors.Internal("finalize session", err)
	}

	if err := r.backend.DeleteAll(ctx, r.tempPrefix(uploadID)); err != nil {
		// The permanent file exists; leaked temp chunks are reclaimed
		// by the stale sweep.
		r.logger.Warn("failed to release temp chunks", "upload_id", uploadID, "error", err)
	}

	r.metrics.UploadCompleted()
	r.publish(events.Event{
		Type:        events.TypeUploadCompleted,
		FileID:      record.ID,
		FileName:    record.Name,
		FileSize:    record.SizeBytes,
		UploadedBy:  record.OwnerID,
		WorkspaceID: record.WorkspaceID,
	})
	r.logger.Info("upload completed", "upload_id", uploadID,
		"file_id", record.ID, "size", record.SizeBytes)

	return record, nil
}

// assemble concatenates the chunk blobs in index order.
func (r *Registry) assemble(ctx context.Context, sess *types.UploadSession) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(sess.FileSizeBytes))
	for i := 0; i < sess.TotalChunks; i++ {
		chunk, err := r.backend.Read(ctx, r.chunkPath(sess.UploadID, i))
		if err != nil {
			return nil, apperrors.Internal(fmt.Sprintf("read chunk %d", i), err)
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}
