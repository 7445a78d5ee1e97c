package inmemory

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/interfaces"
)

type passthroughProcessor struct{}

// NewImageProcessor returns a processor that stores images unchanged. It only
// reads the dimensions of formats the standard decoders understand.
func NewImageProcessor() interfaces.ImageProcessor {
	return passthroughProcessor{}
}

func (passthroughProcessor) Process(ctx context.Context, data []byte, mimeType string) (domain.ProcessedImage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProcessedImage{}, err
	}

	img := domain.ProcessedImage{
		Body:     data,
		MIMEType: mimeType,
		Format:   strings.TrimPrefix(mimeType, "image/"),
	}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.Width, img.Height, img.Format = cfg.Width, cfg.Height, format
	}

	return img, nil
}
