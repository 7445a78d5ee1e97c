// Package validator rejects invalid or dangerous upload batches before any
// expensive processing starts.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/donmikel/photobatch/applications/server/domain"
)

const (
	defaultMaxFiles     = 100
	defaultMinFileSize  = 10 * 1024              // 10 KiB
	defaultMaxFileSize  = 200 * 1024 * 1024      // 200 MiB
	defaultMaxBatchSize = 5 * 1024 * 1024 * 1024 // 5 GiB
	defaultParallelism  = 4

	maxDimension = 50000
	maxPixels    = 200_000_000
)

// DefaultAllowedMIMETypes is the fixed allow-list of image types.
var DefaultAllowedMIMETypes = []string{
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/webp",
	"image/heic",
	"image/heif",
}

type Options struct {
	MaxFiles         int      `yaml:"max_files" validate:"gte=0"`
	MinFileSize      int64    `yaml:"min_file_size" validate:"gte=0"`
	MaxFileSize      int64    `yaml:"max_file_size" validate:"gte=0"`
	MaxBatchSize     int64    `yaml:"max_batch_size" validate:"gte=0"`
	AllowedMIMETypes []string `yaml:"allowed_mime_types" validate:"dive,startswith=image/"`
	Parallelism      int      `yaml:"parallelism" validate:"gte=0"`
}

// Merge returns o with its zero fields taken from base.
func (o Options) Merge(base Options) Options {
	if o.MaxFiles <= 0 {
		o.MaxFiles = base.MaxFiles
	}
	if o.MinFileSize <= 0 {
		o.MinFileSize = base.MinFileSize
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = base.MaxFileSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = base.MaxBatchSize
	}
	if len(o.AllowedMIMETypes) == 0 {
		o.AllowedMIMETypes = base.AllowedMIMETypes
	}
	if o.Parallelism <= 0 {
		o.Parallelism = base.Parallelism
	}
	return o
}

func DefaultOptions() Options {
	return Options{
		MaxFiles:         defaultMaxFiles,
		MinFileSize:      defaultMinFileSize,
		MaxFileSize:      defaultMaxFileSize,
		MaxBatchSize:     defaultMaxBatchSize,
		AllowedMIMETypes: DefaultAllowedMIMETypes,
		Parallelism:      defaultParallelism,
	}
}

// NormalizeMIME lowercases a content type, drops parameters and maps the
// image/jpg alias to image/jpeg.
func NormalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" {
		return mimeJPEG
	}
	return mime
}

// ReadGate bounds how many files have their content in memory at once.
// *memgate.Gate satisfies it.
type ReadGate interface {
	ProcessWithControl(ctx context.Context, fileSize int64, op func(ctx context.Context) error) error
}

type ungated struct{}

func (ungated) ProcessWithControl(ctx context.Context, _ int64, op func(ctx context.Context) error) error {
	return op(ctx)
}

type Validator struct {
	opts    Options
	allowed map[string]struct{}
	gate    ReadGate
	logger  log.Logger
}

type Option func(*Validator)

// WithReadGate makes batch validation hold a gate slot while a file is read
// and checked.
func WithReadGate(g ReadGate) Option {
	return func(v *Validator) {
		v.gate = g
	}
}

func New(opts Options, logger log.Logger, options ...Option) *Validator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts = opts.Merge(DefaultOptions())

	v := &Validator{
		opts:    opts,
		allowed: allowSet(opts.AllowedMIMETypes),
		gate:    ungated{},
		logger:  logger,
	}
	for _, o := range options {
		o(v)
	}

	return v
}

func allowSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[NormalizeMIME(t)] = struct{}{}
	}
	return set
}

func (v *Validator) Options() Options {
	return v.opts
}

// IsAllowedMIMEType reports whether mime is on the allow-list.
func (v *Validator) IsAllowedMIMEType(mime string) bool {
	_, ok := v.allowed[NormalizeMIME(mime)]
	return ok
}

// ValidateSingleFile runs the per-file checks with the validator's options.
func (v *Validator) ValidateSingleFile(data []byte, filename, declaredMIME string) domain.ValidationResult {
	return v.validateFile(v.opts, v.allowed, data, filename, declaredMIME)
}

func (v *Validator) validateFile(opts Options, allowed map[string]struct{}, data []byte, filename, declaredMIME string) domain.ValidationResult {
	res := domain.ValidationResult{
		Filename:          filename,
		SanitizedFilename: SanitizeFilename(filename),
	}

	reject := func(err *domain.UploadError) domain.ValidationResult {
		res.Error = err.Msg
		res.Category = err.Category
		v.logRejection(res)
		return res
	}

	mime := NormalizeMIME(declaredMIME)
	if _, ok := allowed[mime]; !ok {
		return reject(domain.NewValidationError(fmt.Sprintf("file type not allowed: %q", declaredMIME)))
	}

	size := int64(len(data))
	if size < opts.MinFileSize {
		return reject(domain.NewValidationError(fmt.Sprintf("file too small: minimum %s, got %s",
			humanize.IBytes(uint64(opts.MinFileSize)), humanize.IBytes(uint64(size)))))
	}
	if size > opts.MaxFileSize {
		return reject(domain.NewValidationError(fmt.Sprintf("file too large: maximum %s, got %s",
			humanize.IBytes(uint64(opts.MaxFileSize)), humanize.IBytes(uint64(size)))))
	}

	detected, err := CheckSignature(data, mime)
	res.DetectedMIMEType = detected
	switch {
	case errors.Is(err, ErrMIMEMismatch):
		return reject(domain.NewValidationError(fmt.Sprintf("%s: declared %s, detected %s", err, mime, detected)))
	case err != nil:
		return reject(domain.NewValidationError(err.Error()))
	}

	if err := ScanForMalware(data); err != nil {
		return reject(domain.NewSecurityError(err.Error()))
	}

	md := &domain.FileMetadata{
		Size:     size,
		MIMEType: mime,
		Format:   formats[detected],
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		md.Width, md.Height = cfg.Width, cfg.Height
		if err := ValidateDimensions(cfg.Width, cfg.Height); err != nil {
			return reject(domain.NewValidationError(err.Error()))
		}
	}

	res.Valid = true
	res.Metadata = md

	return res
}

func (v *Validator) logRejection(res domain.ValidationResult) {
	if res.Category == domain.CategorySecurity {
		level.Warn(v.logger).Log("msg", "file rejected by security scan",
			"category", res.Category,
			"filename", res.SanitizedFilename,
			"reason", res.Error,
		)
		return
	}

	level.Debug(v.logger).Log("msg", "file rejected",
		"category", res.Category,
		"filename", res.SanitizedFilename,
		"reason", res.Error,
	)
}

// ValidateBatchUpload checks the batch as a whole first (count, cumulative
// size) without touching file contents, then validates every file in
// parallel. Zero fields of opts fall back to the validator's options.
func (v *Validator) ValidateBatchUpload(ctx context.Context, files []domain.UploadFile, opts Options) domain.BatchValidationResult {
	allowed := v.allowed
	if len(opts.AllowedMIMETypes) > 0 {
		allowed = allowSet(opts.AllowedMIMETypes)
	}
	opts = opts.Merge(v.opts)

	result := domain.BatchValidationResult{
		Files:  []domain.ValidationResult{},
		Errors: []string{},
	}

	if len(files) == 0 {
		result.Errors = append(result.Errors, "no files provided")
		result.Rejected = true
		return result
	}

	if len(files) > opts.MaxFiles {
		result.Errors = append(result.Errors,
			fmt.Sprintf("too many files: maximum %d, provided %d", opts.MaxFiles, len(files)))
		result.Rejected = true
		return result
	}

	for _, f := range files {
		result.TotalSize += f.Size
	}
	if result.TotalSize > opts.MaxBatchSize {
		result.Errors = append(result.Errors, fmt.Sprintf("batch too large: maximum %s, got %s",
			humanize.IBytes(uint64(opts.MaxBatchSize)), humanize.IBytes(uint64(result.TotalSize))))
		result.Rejected = true
		return result
	}

	results := make([]domain.ValidationResult, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			err := v.gate.ProcessWithControl(ctx, f.Size, func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				data, err := readAll(f, opts.MaxFileSize)
				if err != nil {
					return err
				}
				results[i] = v.validateFile(opts, allowed, data, f.Filename, f.DeclaredMIME)
				return nil
			})
			if err != nil {
				results[i] = v.unreadable(f, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Files = results
	for _, r := range results {
		if !r.Valid {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", r.SanitizedFilename, r.Error))
		}
	}
	result.Valid = len(result.Errors) == 0

	return result
}

func (v *Validator) unreadable(f domain.UploadFile, err error) domain.ValidationResult {
	res := domain.ValidationResult{
		Filename:          f.Filename,
		SanitizedFilename: SanitizeFilename(f.Filename),
		Error:             fmt.Sprintf("can't read file: %v", err),
		Category:          domain.CategoryValidation,
	}
	v.logRejection(res)
	return res
}

// readAll reads at most limit+1 bytes so that oversized files are detected
// without buffering them whole.
func readAll(f domain.UploadFile, limit int64) ([]byte, error) {
	if f.Open == nil {
		return nil, errors.New("no content")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(io.LimitReader(rc, limit+1))
}

// ValidateDimensions guards against decompression bombs once the image
// dimensions are known.
func ValidateDimensions(width, height int) error {
	if width > maxDimension || height > maxDimension {
		return fmt.Errorf("image dimensions too large: maximum %dx%d, got %dx%d",
			maxDimension, maxDimension, width, height)
	}
	if pixels := int64(width) * int64(height); pixels > maxPixels {
		return fmt.Errorf("image has too many pixels: maximum %dMP, got %.1fMP",
			maxPixels/1_000_000, float64(pixels)/1_000_000)
	}
	return nil
}
