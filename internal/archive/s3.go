package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// S3Config describes the bucket rolled files are copied to.
type S3Config struct {
	// BucketURL is s3://bucket[/prefix].
	BucketURL string
	// Source names the sink the files come from. It becomes a key segment
	// so several sinks can share one bucket prefix.
	Source       string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// runFunc runs the AWS CLI with args and extra environment.
type runFunc func(ctx context.Context, env []string, args ...string) ([]byte, error)

// S3Uploader copies rolled files to S3 with `aws s3 cp`. Objects are keyed
// by source and the day the file was rolled:
//
//	<prefix>/<source>/2026/10/19/events-2026-10-19.3.jsonl.gz
//
// Without static keys the CLI uses its own credential chain.
type S3Uploader struct {
	bucket   string
	prefix   string
	source   string
	endpoint string
	region   string
	env      []string
	run      runFunc
}

// NewS3Uploader validates cfg and checks that the AWS CLI is installed.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, errors.New("s3: aws cli not found in PATH")
	}
	return newS3Uploader(cfg, runAWS)
}

func newS3Uploader(cfg S3Config, run runFunc) (*S3Uploader, error) {
	bucket, prefix, err := parseBucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	access, secret := strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey)
	if (access == "") != (secret == "") {
		return nil, errors.New("s3: access key and secret key must be set together")
	}
	endpoint, err := endpointURL(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	env := []string{"AWS_DEFAULT_REGION=" + region}
	if access != "" {
		env = append(env, "AWS_ACCESS_KEY_ID="+access, "AWS_SECRET_ACCESS_KEY="+secret)
	}
	if token := strings.TrimSpace(cfg.SessionToken); token != "" {
		env = append(env, "AWS_SESSION_TOKEN="+token)
	}

	return &S3Uploader{
		bucket:   bucket,
		prefix:   prefix,
		source:   strings.Trim(strings.TrimSpace(cfg.Source), "/"),
		endpoint: endpoint,
		region:   region,
		env:      env,
		run:      run,
	}, nil
}

// UploadFile copies localPath to its object key.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("s3: stat %s: %w", localPath, err)
	}
	dest := fmt.Sprintf("s3://%s/%s", u.bucket, u.objectKey(filepath.Base(localPath), info.ModTime()))

	args := []string{"s3", "cp", localPath, dest, "--region", u.region, "--only-show-errors",
		"--content-type", "application/x-ndjson"}
	if enc := contentEncoding(localPath); enc != "" {
		args = append(args, "--content-encoding", enc)
	}
	if u.endpoint != "" {
		args = append(args, "--endpoint-url", u.endpoint)
	}
	if out, err := u.run(ctx, u.env, args...); err != nil {
		return fmt.Errorf("s3: copy %s to %s: %w: %s", filepath.Base(localPath), dest, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (u *S3Uploader) objectKey(name string, rolled time.Time) string {
	return path.Join(u.prefix, u.source, rolled.UTC().Format("2006/01/02"), name)
}

func runAWS(ctx context.Context, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// contentEncoding maps the extension a compressed rolled file gets to its
// HTTP content encoding.
func contentEncoding(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		return "gzip"
	case ".zst":
		return "zstd"
	case ".lz4":
		return "lz4"
	}
	return ""
}

func endpointURL(endpoint string, useSSL bool) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", nil
	}
	if !strings.Contains(endpoint, "://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("s3: invalid endpoint %q", endpoint)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func parseBucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket url %q must use the s3:// scheme", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("s3: bucket url %q has no bucket", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}
