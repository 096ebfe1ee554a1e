package backup

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// compressedExt is appended to compressed snapshot names.
const compressedExt = ".zst"

// compressFile writes a zstd copy of srcPath to dstPath via a temp file.
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fail(err)
	}
	if err := enc.Close(); err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
