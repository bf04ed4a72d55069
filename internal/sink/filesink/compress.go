package filesink

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var codecSuffix = map[string]string{
	CompressGzip: ".gz",
	CompressZstd: ".zst",
	CompressLZ4:  ".lz4",
}

// compressFile writes src through codec next to it and removes src. It
// returns the path of the file that remains.
func compressFile(src, codec string) (string, error) {
	suffix, ok := codecSuffix[codec]
	if !ok {
		return src, nil
	}
	dst := src + suffix

	in, err := os.Open(src)
	if err != nil {
		return src, fmt.Errorf("filesink: compress: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return src, fmt.Errorf("filesink: compress: %w", err)
	}
	if err := encode(out, bufio.NewReader(in), codec); err != nil {
		out.Close()
		os.Remove(dst)
		return src, fmt.Errorf("filesink: compress %s: %w", codec, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return src, fmt.Errorf("filesink: compress: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return src, fmt.Errorf("filesink: compress: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return dst, fmt.Errorf("filesink: remove uncompressed: %w", err)
	}
	return dst, nil
}

func encode(w io.Writer, r io.Reader, codec string) error {
	var enc io.WriteCloser
	switch codec {
	case CompressGzip:
		enc = gzip.NewWriter(w)
	case CompressZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		enc = zw
	case CompressLZ4:
		enc = lz4.NewWriter(w)
	default:
		return fmt.Errorf("unknown codec %q", codec)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
