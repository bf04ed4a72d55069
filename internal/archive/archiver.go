package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultQueueSize  = 64
	defaultAttempts   = 3
	defaultRetryDelay = 5 * time.Second
)

// Archiver uploads submitted files on a single background goroutine and
// prunes uploaded local copies beyond KeepLocal.
type Archiver struct {
	uploader Uploader
	cfg      Config
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan string
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	uploaded []string
}

// New builds an Archiver that uploads to cfg.BucketURL. It returns nil when
// no bucket is configured.
func New(cfg Config, logger *log.Logger) (*Archiver, error) {
	if strings.TrimSpace(cfg.BucketURL) == "" {
		return nil, nil
	}
	s3u, err := NewS3Uploader(S3Config{
		BucketURL:    cfg.BucketURL,
		Source:       cfg.Source,
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		SessionToken: cfg.S3SessionToken,
		UseSSL:       cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: init s3 uploader: %w", err)
	}
	return NewWithUploader(s3u, cfg, logger), nil
}

// NewWithUploader builds an Archiver around u and starts its upload loop.
func NewWithUploader(u Uploader, cfg Config, logger *log.Logger) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		uploader: u,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan string, cfg.QueueSize),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Submit queues localPath for upload. It reports false when the archiver is
// stopped or its queue is full; the file then stays on disk.
func (a *Archiver) Submit(localPath string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- localPath:
		return true
	default:
		a.logger.Printf("archive: queue full, leaving %s on disk", localPath)
		return false
	}
}

// Stop drains queued uploads until ctx ends, then cancels whatever is still
// in flight.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	for localPath := range a.queue {
		if err := a.RunOnce(a.ctx, localPath); err != nil {
			a.logger.Printf("archive: %v", err)
		}
	}
}

// RunOnce uploads one file with retries and prunes old uploaded copies.
func (a *Archiver) RunOnce(ctx context.Context, localPath string) error {
	var err error
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		if err = a.uploader.UploadFile(ctx, localPath); err == nil {
			break
		}
		if attempt == a.cfg.Attempts || ctx.Err() != nil {
			return fmt.Errorf("upload %s: %w", localPath, err)
		}
		select {
		case <-time.After(a.cfg.RetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("upload %s: %w", localPath, ctx.Err())
		}
	}
	a.logger.Printf("archive: uploaded %s", localPath)

	a.mu.Lock()
	a.uploaded = append(a.uploaded, localPath)
	var prune []string
	if keep := a.cfg.KeepLocal; keep > 0 && len(a.uploaded) > keep {
		prune = append(prune, a.uploaded[:len(a.uploaded)-keep]...)
		a.uploaded = append([]string(nil), a.uploaded[len(a.uploaded)-keep:]...)
	}
	a.mu.Unlock()

	return pruneLocal(prune)
}

func pruneLocal(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune %s: %w", p, err)
		}
	}
	return nil
}
