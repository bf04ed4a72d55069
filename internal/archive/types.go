// Package archive uploads rolled sink files to object storage and prunes the
// local copies once they are safely stored.
package archive

import (
	"context"
	"time"
)

// Config controls uploads of rolled files.
type Config struct {
	BucketURL string
	// Source names the sink whose files are archived.
	Source string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool

	// KeepLocal is how many uploaded files stay on disk; 0 keeps them all.
	KeepLocal int
	// QueueSize bounds the files waiting for upload.
	QueueSize int
	// Attempts and RetryDelay control per-file upload retries.
	Attempts   int
	RetryDelay time.Duration
}

// Uploader uploads one file.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
