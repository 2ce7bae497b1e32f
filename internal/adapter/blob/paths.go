// Package blob provides the Azure blob store adapter and the container
// path layout shared by every stage.
package blob

import (
	"fmt"
	"strings"
)

// Container folders. Paths are part of the contract between stages:
// the uploader writes incoming/, preprocess archives to original/ and
// publishes preprocessed/, and terminal stages move into processed/,
// failed/ or manual-review/.
const (
	FolderIncoming     = "incoming"
	FolderOriginal     = "original"
	FolderPreprocessed = "preprocessed"
	FolderProcessed    = "processed"
	FolderFailed       = "failed"
	FolderManualReview = "manual-review"
)

// Incoming is the raw upload path, keyed by the source filename.
func Incoming(batchID, sourceFilename string) string {
	return fmt.Sprintf("%s/%s/%s", FolderIncoming, batchID, sourceFilename)
}

// Original is the archive path the preprocess stage moves the source to.
func Original(batchID, sourceFilename string) string {
	return fmt.Sprintf("%s/%s/%s", FolderOriginal, batchID, sourceFilename)
}

// Preprocessed is the normalized artifact the decoders read.
func Preprocessed(batchID, imageID string) string {
	return fmt.Sprintf("%s/%s/%s.jpg", FolderPreprocessed, batchID, imageID)
}

// PreprocessedRotation is a rotated variant of the normalized artifact.
// Angle 0 maps to the plain preprocessed path.
func PreprocessedRotation(batchID, imageID string, angle int) string {
	if angle == 0 {
		return Preprocessed(batchID, imageID)
	}
	return fmt.Sprintf("%s/%s/%s_r%d.jpg", FolderPreprocessed, batchID, imageID, angle)
}

// Processed is the terminal path on successful decode.
func Processed(batchID, imageID string) string {
	return fmt.Sprintf("%s/%s/%s.jpg", FolderProcessed, batchID, imageID)
}

// Failed is the terminal path for images that exhausted all decoders.
func Failed(batchID, imageID string) string {
	return fmt.Sprintf("%s/%s/%s.jpg", FolderFailed, batchID, imageID)
}

// ManualReview is the holding path for ambiguous images awaiting a reviewer.
func ManualReview(batchID, imageID string) string {
	return fmt.Sprintf("%s/%s/%s.jpg", FolderManualReview, batchID, imageID)
}

// Folder returns the first path component.
func Folder(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// ChangeFolder rewrites the folder component, keeping batch and filename.
func ChangeFolder(path, folder string) (string, error) {
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return "", fmt.Errorf("op=blob.ChangeFolder: invalid path %q", path)
	}
	return folder + path[i:], nil
}

// Parse splits a blob path into folder, batch id and filename.
func Parse(path string) (folder, batchID, filename string, err error) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("op=blob.Parse: invalid path %q", path)
	}
	return parts[0], parts[1], parts[2], nil
}
