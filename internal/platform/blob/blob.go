package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

// Store holds uploaded files and extracted text.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

func UploadKey(orgID, uploadID, filename string) string {
	return path.Join("uploads", orgID, uploadID, sanitize(filename))
}

func ExtractedKey(knowledgeID string) string {
	return path.Join("knowledge", knowledgeID, "extracted.txt")
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
