package http

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/donmikel/photobatch/applications/server"
	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/validator"
)

// Parts above this size are spooled to temporary files by the multipart
// parser instead of being kept in memory.
const multipartMemory = 32 << 20

var fileFields = []string{"files", "file"}

func UploadPhotosHandler(svc server.UploadService, maxRequestBytes int64, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["eventID"]

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeErr(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large", nil)
				return
			}
			writeErr(w, http.StatusBadRequest, "invalid_form", "can't parse multipart form", []string{err.Error()})
			return
		}
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				level.Warn(logger).Log("msg", "can't remove multipart temp files", "err", err)
			}
		}()

		metadata, err := parseMetadata(r.FormValue("metadata"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid_metadata", "metadata must be a JSON object", []string{err.Error()})
			return
		}

		req := domain.BatchRequest{
			EventID:    eventID,
			UploadedBy: r.Header.Get("X-Uploaded-By"),
			Files:      uploadFiles(r.MultipartForm),
			Metadata:   metadata,
		}

		res, err := svc.UploadBatch(r.Context(), req)
		if err != nil {
			writeUploadErr(w, err, logger)
			return
		}

		writeJSON(w, batchStatus(res), res)
	}
}

func uploadFiles(form *multipart.Form) []domain.UploadFile {
	var files []domain.UploadFile
	for _, field := range fileFields {
		for _, fh := range form.File[field] {
			fh := fh
			files = append(files, domain.UploadFile{
				Filename:     fh.Filename,
				DeclaredMIME: fh.Header.Get("Content-Type"),
				Size:         fh.Size,
				Open: func() (io.ReadCloser, error) {
					return fh.Open()
				},
			})
		}
	}
	return files
}

func parseMetadata(raw string) (domain.PhotoMetadata, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.PhotoMetadata{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return domain.PhotoMetadata{}, err
	}

	return validator.ValidateAndSanitizeMetadata(m), nil
}

// batchStatus never turns a partially successful batch into an error.
func batchStatus(res domain.BatchUploadResult) int {
	switch res.Outcome {
	case domain.OutcomeSuccess:
		return http.StatusCreated
	case domain.OutcomePartial:
		return http.StatusMultiStatus
	}
	if res.AnyRetryable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

func writeUploadErr(w http.ResponseWriter, err error, logger log.Logger) {
	var uerr *domain.UploadError
	if !errors.As(err, &uerr) || uerr.Category != domain.CategoryBatch {
		level.Error(logger).Log("msg", "UploadBatch error", "err", err)
		writeErr(w, http.StatusInternalServerError, "internal", "upload failed", nil)
		return
	}

	if errors.Is(err, domain.ErrBatchTooLarge) {
		writeErr(w, http.StatusRequestEntityTooLarge, "batch_too_large", uerr.Msg, nil)
		return
	}
	writeErr(w, http.StatusBadRequest, "invalid_batch", uerr.Msg, strings.Split(uerr.Msg, "; "))
}

func ListPhotosHandler(svc server.UploadService, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		photos, err := svc.EventPhotos(r.Context(), mux.Vars(r)["eventID"])
		if err != nil {
			level.Error(logger).Log("msg", "EventPhotos error", "err", err)
			writeErr(w, http.StatusInternalServerError, "internal", "can't list photos", nil)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"photos": photos, "total": len(photos)})
	}
}

func LimitsHandler(svc server.UploadService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Limits())
	}
}

func StatusHandler(svc server.UploadService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GateStatus())
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
