package validator

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/donmikel/photobatch/applications/server/domain"
)

const (
	maxCaptionLen      = 1000
	maxTagLen          = 50
	maxTags            = 20
	maxLocationLen     = 200
	maxCameraLen       = 100
	maxShutterSpeedLen = 20

	minISO, maxISO                 = 50, 102400
	minAperture, maxAperture       = 0.95, 64
	minFocalLength, maxFocalLength = 1, 2000
)

var htmlBrackets = strings.NewReplacer("<", "", ">", "")

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func text(raw map[string]any, key string, n int) (string, bool) {
	s, ok := raw[key].(string)
	if !ok {
		return "", false
	}
	s = truncate(strings.TrimSpace(s), n)
	return s, s != ""
}

func number(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// ValidateAndSanitizeMetadata keeps only well-typed, in-range photo metadata.
// Free text is trimmed and truncated; numbers outside their range are dropped
// silently.
func ValidateAndSanitizeMetadata(raw map[string]any) domain.PhotoMetadata {
	var md domain.PhotoMetadata
	if raw == nil {
		return md
	}

	if s, ok := text(raw, "caption", maxCaptionLen); ok {
		md.Caption = htmlBrackets.Replace(s)
	}

	if tags, ok := raw["tags"].([]any); ok {
		for _, t := range tags {
			s, ok := t.(string)
			if !ok {
				continue
			}
			s = htmlBrackets.Replace(truncate(strings.TrimSpace(s), maxTagLen))
			if s == "" {
				continue
			}
			md.Tags = append(md.Tags, s)
			if len(md.Tags) == maxTags {
				break
			}
		}
	}

	if s, ok := text(raw, "location", maxLocationLen); ok {
		md.Location = s
	}
	if s, ok := text(raw, "cameraMake", maxCameraLen); ok {
		md.CameraMake = s
	}
	if s, ok := text(raw, "cameraModel", maxCameraLen); ok {
		md.CameraModel = s
	}
	if s, ok := text(raw, "shutterSpeed", maxShutterSpeedLen); ok {
		md.ShutterSpeed = s
	}

	if v, ok := number(raw, "iso"); ok && v >= minISO && v <= maxISO {
		iso := int(math.Floor(v))
		md.ISO = &iso
	}
	if v, ok := number(raw, "aperture"); ok && v >= minAperture && v <= maxAperture {
		aperture := math.Round(v*10) / 10
		md.Aperture = &aperture
	}
	if v, ok := number(raw, "focalLength"); ok && v >= minFocalLength && v <= maxFocalLength {
		focal := int(math.Floor(v))
		md.FocalLength = &focal
	}

	return md
}
