package interfaces

import (
	"context"

	"github.com/donmikel/photobatch/applications/server/domain"
)

// ImageProcessor turns validated upload bytes into the image that gets stored.
type ImageProcessor interface {
	Process(ctx context.Context, data []byte, mimeType string) (domain.ProcessedImage, error)
}
