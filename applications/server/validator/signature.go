package validator

import (
	"bytes"
	"errors"
)

var (
	ErrTooSmall         = errors.New("file too small to identify image format")
	ErrUnknownSignature = errors.New("invalid or unsupported image format")
	ErrMIMEMismatch     = errors.New("mime type mismatch")
)

const (
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
	mimeWebP = "image/webp"
	mimeHEIC = "image/heic"
	mimeHEIF = "image/heif"
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
	ftypMagic = []byte("ftyp")
)

// heifBrands maps ISO-BMFF major brands to the content type they imply.
var heifBrands = map[string]string{
	"heic": mimeHEIC,
	"heix": mimeHEIC,
	"hevc": mimeHEIC,
	"hevx": mimeHEIC,
	"mif1": mimeHEIF,
	"msf1": mimeHEIF,
}

// signatureLen is the number of leading bytes needed to recognise each type.
var signatureLen = map[string]int{
	mimeJPEG: len(jpegMagic),
	mimePNG:  len(pngMagic),
	mimeWebP: 12,
	mimeHEIC: 12,
	mimeHEIF: 12,
}

var formats = map[string]string{
	mimeJPEG: "jpeg",
	mimePNG:  "png",
	mimeWebP: "webp",
	mimeHEIC: "heic",
	mimeHEIF: "heif",
}

// detect returns the content type identified by the leading bytes, or "".
func detect(data []byte) string {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return mimeJPEG
	case bytes.HasPrefix(data, pngMagic):
		return mimePNG
	case len(data) >= 12 && bytes.Equal(data[:4], riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return mimeWebP
	case len(data) >= 12 && bytes.Equal(data[4:8], ftypMagic):
		return heifBrands[string(data[8:12])]
	}
	return ""
}

// heifFamily treats HEIC and HEIF as the same container.
func heifFamily(mime string) bool {
	return mime == mimeHEIC || mime == mimeHEIF
}

// CheckSignature verifies the leading bytes of data against the signature of
// the declared content type. On a mismatch the detected type is still
// returned together with ErrMIMEMismatch.
func CheckSignature(data []byte, declaredMIME string) (string, error) {
	declared := NormalizeMIME(declaredMIME)

	need, ok := signatureLen[declared]
	if !ok {
		need = len(jpegMagic)
	}
	if len(data) < need {
		return "", ErrTooSmall
	}

	detected := detect(data)
	if detected == "" {
		return "", ErrUnknownSignature
	}

	if detected != declared && !(heifFamily(detected) && heifFamily(declared)) {
		return detected, ErrMIMEMismatch
	}

	return detected, nil
}
