package validator

import (
	"fmt"
	"regexp"
)

// suspiciousContent matches textual payloads that have no business inside an
// image: server-side script tags and script execution primitives.
var suspiciousContent = regexp.MustCompile(
	`(?i)<\?php|<script|javascript:|onerror\s*=|eval\s*\(|exec\s*\(|base64_decode\s*\(|system\s*\(`,
)

type SuspiciousContentError struct {
	Match string
}

func (e *SuspiciousContentError) Error() string {
	return fmt.Sprintf("file contains suspicious content (%q)", e.Match)
}

// ScanForMalware is a heuristic pattern check on the raw bytes. It is not a
// virus scanner.
func ScanForMalware(data []byte) error {
	if m := suspiciousContent.Find(data); m != nil {
		return &SuspiciousContentError{Match: string(m)}
	}
	return nil
}
