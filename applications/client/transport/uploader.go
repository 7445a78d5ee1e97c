package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/donmikel/photobatch/applications/client/domain"
	"github.com/donmikel/photobatch/applications/client/queue"
)

const fileField = "files"

type result struct {
	Filename  string `json:"filename"`
	Success   bool   `json:"success"`
	PhotoID   string `json:"photoId"`
	Error     string `json:"error"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
}

type batchResult struct {
	Outcome string   `json:"outcome"`
	Message string   `json:"message"`
	Results []result `json:"results"`
}

type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// StatusError is a non-success answer of the server that carried no
// per-file result.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode >= 500,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

type Opener func(state domain.FileState) (io.ReadCloser, error)

// HTTPUploader posts each file to the photo endpoint of one event.
type HTTPUploader struct {
	endpoint   string
	client     *http.Client
	open       Opener
	uploadedBy string
	logger     log.Logger
}

type Option func(*HTTPUploader)

func WithHTTPClient(c *http.Client) Option {
	return func(u *HTTPUploader) {
		u.client = c
	}
}

// WithOpener replaces reading the file from FileDescriptor.Path.
func WithOpener(open Opener) Option {
	return func(u *HTTPUploader) {
		u.open = open
	}
}

func WithUploadedBy(user string) Option {
	return func(u *HTTPUploader) {
		u.uploadedBy = user
	}
}

func NewHTTPUploader(baseURL, eventID string, logger log.Logger, opts ...Option) *HTTPUploader {
	u := &HTTPUploader{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/v1/events/" + url.PathEscape(eventID) + "/photos",
		client:   http.DefaultClient,
		open:     openPath,
		logger:   log.With(logger, "component", "uploader"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func openPath(state domain.FileState) (io.ReadCloser, error) {
	return os.Open(state.File.Path)
}

func (u *HTTPUploader) Upload(ctx context.Context, state domain.FileState, progress func(sent int64)) error {
	file, err := u.open(state)
	if err != nil {
		return queue.Permanent(fmt.Errorf("can't open %s: %w", state.File.Name, err))
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeBody(mw, state, &progressReader{r: file, fn: progress}))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, pr)
	if err != nil {
		pr.Close()
		return queue.Permanent(fmt.Errorf("can't build request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if u.uploadedBy != "" {
		req.Header.Set("X-Uploaded-By", u.uploadedBy)
	}

	resp, err := u.client.Do(req)
	pr.Close()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("can't upload %s: %w", state.File.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("can't read response for %s: %w", state.File.Name, err)
	}

	return u.classify(state, resp.StatusCode, body)
}

func (u *HTTPUploader) classify(state domain.FileState, status int, body []byte) error {
	var batch batchResult
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Results) > 0 {
		res := batch.Results[0]
		if res.Success {
			level.Debug(u.logger).Log("msg", "file accepted", "file", state.ID, "photo", res.PhotoID)
			return nil
		}
		err := fmt.Errorf("%s: %s", state.File.Name, res.Error)
		if !res.Retryable {
			return queue.Permanent(err)
		}
		return err
	}

	if status >= 200 && status < 300 {
		return fmt.Errorf("can't decode response for %s: status %d", state.File.Name, status)
	}

	serr := &StatusError{StatusCode: status}
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		serr.Code, serr.Message = apiErr.Code, apiErr.Message
	}
	if serr.Retryable() {
		return serr
	}
	return queue.Permanent(serr)
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func writeBody(mw *multipart.Writer, state domain.FileState, r io.Reader) error {
	contentType := state.File.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		fileField, quoteEscaper.Replace(state.File.Name)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

type progressReader struct {
	r    io.Reader
	sent int64
	fn   func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent)
		}
	}
	return n, err
}

// IsRetryable reports whether err leaves the file worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || queue.IsPermanent(err) {
		return false
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Retryable()
	}
	return true
}
