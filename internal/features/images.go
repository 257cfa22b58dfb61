package features

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/hyperjump/featcache/internal/fileid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageSource resolves cache keys to decoded images.
type ImageSource interface {
	Image(ctx context.Context, key string) (image.Image, error)
}

// FileImageSource decodes images stored under Root. Keys are root-relative
// slash paths as produced by fileid.Key.
type FileImageSource struct {
	Root string
}

func (s FileImageSource) Image(_ context.Context, key string) (image.Image, error) {
	path, err := fileid.Resolve(s.Root, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return img, nil
}
