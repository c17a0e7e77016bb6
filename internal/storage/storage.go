package storage

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned when a filename reduces to an unusable object key
var ErrInvalidKey = errors.New("invalid document key")

// Storage defines the document store operations
type Storage interface {
	// Save writes the document under a key derived from filename and returns the key.
	// Saving the same filename again overwrites the earlier document.
	Save(ctx context.Context, filename, contentType string, data []byte) (string, error)

	// Get retrieves a document by key
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes a document
	Delete(ctx context.Context, key string) error
}

// Object is a stored document and its content type
type Object struct {
	Data        []byte
	ContentType string
}

// Key reduces a client supplied filename to its base name
func Key(filename string) (string, error) {
	key := filepath.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if key == "." || key == "/" || key == ".." || key == "" {
		return "", ErrInvalidKey
	}
	return key, nil
}

// contentTypeFor falls back to the key's extension when no content type is known
func contentTypeFor(key, contentType string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(key))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
