package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/uplinkd/uplink/pkg/apperrors"
	"github.com/uplinkd/uplink/pkg/types"
)

// Transport sends upload requests to the server. Abstracted so the
// coordinator tests can inject failures.
type Transport interface {
	SendChunk(ctx context.Context, meta types.ChunkMeta, data []byte) (*types.ChunkResponse, error)
	Complete(ctx context.Context, uploadID string) (*types.CompleteResponse, error)
	Status(ctx context.Context, uploadID string) (*types.StatusResponse, error)
	// Healthy reports whether the server is reachable; used by the
	// network monitor.
	Healthy(ctx context.Context) bool
}

// HTTPTransport talks to the action-dispatched upload endpoint.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	userID  string
	client  *http.Client
}

func NewHTTPTransport(baseURL, apiKey, userID string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		client:  &http.Client{},
	}
}

func (t *HTTPTransport) do(req *http.Request, out interface{}) error {
	req.Header.Set("X-API-Key", t.apiKey)
	req.Header.Set("X-User-ID", t.userID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp types.ErrorResponse
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			message = errResp.Error
		}
		return &apperrors.HTTPError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (t *HTTPTransport) SendChunk(ctx context.Context, meta types.ChunkMeta, data []byte) (*types.ChunkResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("chunk", meta.FileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write chunk body: %w", err)
	}

	fields := map[string]string{
		"fileName":    meta.FileName,
		"fileId":      meta.UploadID,
		"chunkIndex":  strconv.Itoa(meta.ChunkIndex),
		"totalChunks": strconv.Itoa(meta.TotalChunks),
		"fileSize":    strconv.FormatInt(meta.FileSizeBytes, 10),
		"workspaceId": meta.WorkspaceID,
	}
	if meta.MimeType != "" {
		fields["mimeType"] = meta.MimeType
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/api/upload?action=chunk", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp types.ChunkResponse
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) action(ctx context.Context, action, uploadID string, out interface{}) error {
	payload, _ := json.Marshal(types.CompleteRequest{UploadID: uploadID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/api/upload?action="+action, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, out)
}

func (t *HTTPTransport) Complete(ctx context.Context, uploadID string) (*types.CompleteResponse, error) {
	var resp types.CompleteResponse
	if err := t.action(ctx, "complete", uploadID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Status(ctx context.Context, uploadID string) (*types.StatusResponse, error) {
	var resp types.StatusResponse
	if err := t.action(ctx, "status", uploadID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
