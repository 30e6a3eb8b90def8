package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// MaxUploadSize caps files sent inline as base64.
const MaxUploadSize = 20 << 20

// UploadStatus tracks one file upload.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// Upload is the record of one file sent to a session.
type Upload struct {
	ID           string       `json:"id"`
	ConnectionID string       `json:"connectionId"`
	SessionKey   string       `json:"sessionKey"`
	FileName     string       `json:"fileName"`
	Size         int64        `json:"size"`
	Type         string       `json:"type"`
	Status       UploadStatus `json:"status"`
	Progress     int          `json:"progress"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"startedAt"`
}

// File is a file picked for upload.
type File struct {
	Name string
	Size int64
	Type string
	Data []byte
}

// FileSource resolves a path chosen by the user into file contents.
type FileSource interface {
	Open(ctx context.Context, path string) (File, error)
}

// OSFileSource reads files from the local disk.
type OSFileSource struct{}

var extraMimeTypes = map[string]string{
	".md":   "text/markdown",
	".py":   "text/x-python",
	".java": "text/x-java-source",
	".cpp":  "text/x-c++src",
	".c":    "text/x-csrc",
	".ts":   "text/typescript",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/vnd.rar",
	".mkv":  "video/x-matroska",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
}

// Open reads path. The type comes from the extension, then content sniffing.
func (OSFileSource) Open(_ context.Context, path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxUploadSize {
		return File{}, fmt.Errorf("%s is %s, larger than the %s upload limit", path, FormatSize(info.Size()), FormatSize(MaxUploadSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return File{
		Name: filepath.Base(path),
		Size: int64(len(data)),
		Type: DetectType(path, data),
		Data: data,
	}, nil
}

// DetectType returns the MIME type of a file.
func DetectType(path string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := extraMimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if base, _, err := mime.ParseMediaType(t); err == nil {
			return base
		}
		return t
	}
	if len(data) > 0 {
		if base, _, err := mime.ParseMediaType(http.DetectContentType(data)); err == nil {
			return base
		}
	}
	return "application/octet-stream"
}

// FormatSize renders a byte count for display.
func FormatSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

// UploadFile sends the file at path to a session as a file.upload event.
func (m *Manager) UploadFile(ctx context.Context, connID, sessionKey, path string) (Upload, error) {
	start := m.opts.Now()
	up := Upload{
		ID:           m.opts.NewID(),
		ConnectionID: connID,
		SessionKey:   sessionKey,
		FileName:     filepath.Base(path),
		Status:       UploadPending,
		StartedAt:    start,
	}
	m.trackUpload(up)

	at, err := m.active(connID)
	if err != nil {
		return m.failUpload(ctx, up, start, err)
	}

	f, err := m.opts.Files.Open(ctx, path)
	if err != nil {
		return m.failUpload(ctx, up, start, err)
	}
	up.FileName = f.Name
	up.Size = f.Size
	up.Type = f.Type
	up.Status = UploadUploading
	m.trackUpload(up)

	data, err := protocol.EncodeEvent(protocol.EventFileUpload, protocol.FileUploadPayload{
		SessionID: sessionKey,
		FileName:  f.Name,
		FileSize:  f.Size,
		FileType:  f.Type,
		FileData:  base64.StdEncoding.EncodeToString(f.Data),
	})
	if err == nil {
		err = at.send(data)
	}
	if err != nil {
		return m.failUpload(ctx, up, start, err)
	}

	up.Status = UploadCompleted
	up.Progress = 100
	m.trackUpload(up)
	m.publish(EventFileUploaded, connID, UploadEvent{Upload: up})
	m.record(ctx, "upload", connID, sessionKey, f.Name, start, nil)
	return up, nil
}

// Upload returns the tracked state of an upload.
func (m *Manager) Upload(id string) (Upload, bool) {
	m.uploadsMu.Lock()
	defer m.uploadsMu.Unlock()
	up, ok := m.uploads[id]
	return up, ok
}

func (m *Manager) trackUpload(up Upload) {
	m.uploadsMu.Lock()
	defer m.uploadsMu.Unlock()
	m.uploads[up.ID] = up
}

// forgetUploads drops the tracked uploads of a closed connection.
func (m *Manager) forgetUploads(connID string) {
	m.uploadsMu.Lock()
	defer m.uploadsMu.Unlock()
	for id, up := range m.uploads {
		if up.ConnectionID == connID {
			delete(m.uploads, id)
		}
	}
}

func (m *Manager) failUpload(ctx context.Context, up Upload, start time.Time, err error) (Upload, error) {
	up.Status = UploadFailed
	up.Error = err.Error()
	m.trackUpload(up)
	m.publish(EventFileUploaded, up.ConnectionID, UploadEvent{Upload: up})
	m.record(ctx, "upload", up.ConnectionID, up.SessionKey, up.FileName, start, err)

	var nce *NotConnectedError
	if errors.As(err, &nce) {
		return up, err
	}
	return up, fmt.Errorf("upload %s: %w", up.FileName, err)
}
