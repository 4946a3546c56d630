package model

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ImageInfo is a compact fingerprint of an OS image, used to decide whether
// a worker needs re-imaging before commencement.
type ImageInfo struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
}

// NewImageInfo fingerprints the image file at path.
func NewImageInfo(path string) (ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("hash image %s: %w", path, err)
	}

	return ImageInfo{
		FileName: filepath.Base(path),
		Size:     n,
		Hash:     hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Equal compares two fingerprints field by field.
func (i ImageInfo) Equal(other ImageInfo) bool {
	return i.FileName == other.FileName &&
		i.Size == other.Size &&
		i.Hash == other.Hash
}

// Empty returns true when the fingerprint describes no image.
func (i ImageInfo) Empty() bool {
	return i.FileName == ""
}

// OSImage is the compressed image payload delivered to a worker that needs
// re-imaging.
type OSImage struct {
	Info       ImageInfo `json:"info"`
	Compressed []byte    `json:"compressed"`
}

// LoadOSImage reads and gzip-compresses the image file at path.
func LoadOSImage(path string) (*OSImage, error) {
	info, err := NewImageInfo(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress image %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress image %s: %w", path, err)
	}

	return &OSImage{Info: info, Compressed: buf.Bytes()}, nil
}

// WriteFile decompresses the image into dir using the original file name.
func (o *OSImage) WriteFile(dir string) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(o.Compressed))
	if err != nil {
		return "", fmt.Errorf("decompress image %s: %w", o.Info.FileName, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("decompress image %s: %w", o.Info.FileName, err)
	}

	dest := filepath.Join(dir, o.Info.FileName)
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		return "", fmt.Errorf("write image %s: %w", dest, err)
	}
	return dest, nil
}
