// Package filestore persists uploaded resumes by reference, either on the
// local disk or in an S3 bucket.
package filestore

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Open when the reference does not point to a
// stored file.
var ErrNotFound = errors.New("stored file not found")

// objectName builds a random file name keeping the extension of the upload.
func objectName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}
