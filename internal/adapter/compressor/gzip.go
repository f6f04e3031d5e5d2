package compressor

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

type GzipCompressor struct {
	level int
}

// NewGzip returns a compressor using level; out-of-range levels fall back to
// gzip.BestCompression.
func NewGzip(level int) *GzipCompressor {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.BestCompression
	}
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) Extension() string {
	return ".gz"
}

func (g *GzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	gzipWriter, err := gzip.NewWriterLevel(w, g.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return gzipWriter, nil
}

func (g *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	gzipReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return gzipReader, nil
}

func (g *GzipCompressor) Decompress(sourcePath, destPath string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	gzipReader, err := g.NewReader(sourceFile)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}

	if _, err := io.Copy(destFile, gzipReader); err != nil {
		destFile.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to decompress: %w", err)
	}

	return destFile.Close()
}
