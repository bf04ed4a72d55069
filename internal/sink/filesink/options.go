package filesink

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/tracepush/internal/archive"
)

// Compression codecs applied to rolled files.
const (
	CompressNone = "none"
	CompressGzip = "gzip"
	CompressZstd = "zstd"
	CompressLZ4  = "lz4"
)

const (
	defaultNameFormat = "2006-01-02"
	defaultExtension  = ".jsonl"
	defaultSizeLimit  = 4096
	defaultMaxFiles   = 10
)

// Options is the sink's options blob.
type Options struct {
	Directory string `json:"directory"`
	// FileNameFormat is a Go time layout; a new file starts whenever the
	// formatted time changes.
	FileNameFormat   string `json:"fileNameFormat"`
	FileExtension    string `json:"fileExtension"`
	UseLocalTime     bool   `json:"useLocalTime"`
	FileSizeLimitKB  int    `json:"fileSizeLimitKB"`
	MaxFileCount     int    `json:"maxFileCount"`
	NewFileOnStartup bool   `json:"newFileOnStartup"`
	Compression      string `json:"compression"`

	ArchiveBucketURL string `json:"archiveBucketURL"`
	ArchiveEndpoint  string `json:"archiveEndpoint"`
	ArchiveRegion    string `json:"archiveRegion"`
	ArchiveUseSSL    bool   `json:"archiveUseSSL"`

	// name is the sink's profile name, used in archive object keys.
	name string
}

// Credentials is the sink's credentials blob. Only archive uploads use it.
type Credentials struct {
	AccessKey    string `json:"accessKey"`
	SecretKey    string `json:"secretKey"`
	SessionToken string `json:"sessionToken"`
}

func (o *Options) normalize() error {
	if strings.TrimSpace(o.Directory) == "" {
		return errors.New("filesink: directory is required")
	}
	if o.FileNameFormat == "" {
		o.FileNameFormat = defaultNameFormat
	}
	if strings.ContainsAny(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC).Format(o.FileNameFormat), `/\`) {
		return fmt.Errorf("filesink: fileNameFormat %q produces a path separator", o.FileNameFormat)
	}
	if o.FileExtension == "" {
		o.FileExtension = defaultExtension
	}
	if !strings.HasPrefix(o.FileExtension, ".") {
		o.FileExtension = "." + o.FileExtension
	}
	if o.FileSizeLimitKB <= 0 {
		o.FileSizeLimitKB = defaultSizeLimit
	}
	if o.MaxFileCount <= 0 {
		o.MaxFileCount = defaultMaxFiles
	}
	switch o.Compression {
	case "":
		o.Compression = CompressNone
	case CompressNone, CompressGzip, CompressZstd, CompressLZ4:
	default:
		return fmt.Errorf("filesink: unknown compression %q", o.Compression)
	}
	return nil
}

func (o Options) archiveConfig(c Credentials) archive.Config {
	return archive.Config{
		BucketURL:      o.ArchiveBucketURL,
		Source:         o.name,
		S3Endpoint:     o.ArchiveEndpoint,
		S3Region:       o.ArchiveRegion,
		S3AccessKey:    c.AccessKey,
		S3SecretKey:    c.SecretKey,
		S3SessionToken: c.SessionToken,
		S3UseSSL:       o.ArchiveUseSSL,
		KeepLocal:      o.MaxFileCount,
	}
}
