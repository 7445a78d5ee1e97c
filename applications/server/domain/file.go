package domain

import (
	"io"
	"time"
)

// UploadFile is one file of a submitted batch. Size is the size declared by the
// transport; Open gives access to the bytes and is only called once batch-level
// checks have passed.
type UploadFile struct {
	Filename     string
	DeclaredMIME string
	Size         int64
	Open         func() (io.ReadCloser, error)
}

type BatchRequest struct {
	EventID    string
	UploadedBy string
	Files      []UploadFile
	Metadata   PhotoMetadata
}

type FileMetadata struct {
	Size     int64  `json:"size"`
	MIMEType string `json:"mimeType"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Format   string `json:"format,omitempty"`
}

// ValidationResult is produced once per file by the batch validator.
type ValidationResult struct {
	Valid             bool          `json:"valid"`
	Filename          string        `json:"filename"`
	SanitizedFilename string        `json:"sanitizedFilename"`
	DetectedMIMEType  string        `json:"detectedMimeType,omitempty"`
	Error             string        `json:"error,omitempty"`
	Category          Category      `json:"category,omitempty"`
	Metadata          *FileMetadata `json:"metadata,omitempty"`
}

// BatchValidationResult aggregates per-file results. Valid is true only when
// Errors is empty. Rejected marks a batch-level failure; Files is then empty.
type BatchValidationResult struct {
	Valid     bool               `json:"valid"`
	Rejected  bool               `json:"rejected"`
	Files     []ValidationResult `json:"files"`
	TotalSize int64              `json:"totalSize"`
	Errors    []string           `json:"errors"`
}

type PhotoMetadata struct {
	Caption      string   `json:"caption,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Location     string   `json:"location,omitempty"`
	CameraMake   string   `json:"cameraMake,omitempty"`
	CameraModel  string   `json:"cameraModel,omitempty"`
	ISO          *int     `json:"iso,omitempty"`
	Aperture     *float64 `json:"aperture,omitempty"`
	ShutterSpeed string   `json:"shutterSpeed,omitempty"`
	FocalLength  *int     `json:"focalLength,omitempty"`
}

type Photo struct {
	ID         string        `json:"id"`
	EventID    string        `json:"eventId"`
	UploadedBy string        `json:"uploadedBy,omitempty"`
	Filename   string        `json:"filename"`
	StorageKey string        `json:"storageKey"`
	URL        string        `json:"url"`
	MIMEType   string        `json:"mimeType"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	Size       int64         `json:"size"`
	Metadata   PhotoMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"createdAt"`
}

type ProcessedImage struct {
	Body     []byte
	MIMEType string
	Width    int
	Height   int
	Format   string
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

type UploadResult struct {
	Filename  string        `json:"filename"`
	Success   bool          `json:"success"`
	PhotoID   string        `json:"photoId,omitempty"`
	URL       string        `json:"url,omitempty"`
	Metadata  *FileMetadata `json:"metadata,omitempty"`
	Error     string        `json:"error,omitempty"`
	Category  Category      `json:"category,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

type BatchUploadResult struct {
	Outcome   Outcome        `json:"outcome"`
	Message   string         `json:"message"`
	Results   []UploadResult `json:"results"`
	Uploaded  int            `json:"uploaded"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
	TotalSize int64          `json:"totalSize"`
}

// Tally fills the counters and the outcome from Results.
func (r *BatchUploadResult) Tally() {
	r.Total = len(r.Results)
	r.Uploaded, r.Failed = 0, 0
	for _, res := range r.Results {
		if res.Success {
			r.Uploaded++
		} else {
			r.Failed++
		}
	}

	switch {
	case r.Total > 0 && r.Uploaded == r.Total:
		r.Outcome = OutcomeSuccess
	case r.Uploaded > 0:
		r.Outcome = OutcomePartial
	default:
		r.Outcome = OutcomeFailure
	}
}

// AnyRetryable reports whether at least one failed result may succeed on retry.
func (r BatchUploadResult) AnyRetryable() bool {
	for _, res := range r.Results {
		if !res.Success && res.Retryable {
			return true
		}
	}
	return false
}

// UploadLimits is what a client needs to size its batches.
type UploadLimits struct {
	MaxFiles                  int      `json:"maxFiles"`
	MinFileSize               int64    `json:"minFileSize"`
	MaxFileSize               int64    `json:"maxFileSize"`
	MaxBatchSize              int64    `json:"maxBatchSize"`
	AllowedMIMETypes          []string `json:"allowedMimeTypes"`
	RecommendedMaxFiles       int      `json:"recommendedMaxFiles"`
	RecommendedMaxBatchSizeMB int      `json:"recommendedMaxBatchSizeMB"`
	MaxLargeConcurrent        int      `json:"maxLargeConcurrent"`
	LargeFileThresholdMB      int      `json:"largeFileThresholdMB"`
}
