package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/lanchat/internal/protocol"
	"github.com/go-playground/validator/v10"
)

// Request headers of the transfer endpoint.
const (
	HeaderFilename  = "X-Filename"
	HeaderUsername  = "X-Username"
	HeaderRecipient = "X-Recipient"

	HeaderOwner        = "X-File-Owner"
	HeaderUploadedAt   = "X-Uploaded-At"
	HeaderDetectedType = "X-Detected-Type"
	HeaderChecksum     = "X-Checksum-SHA256"
)

// Error codes carried by structured error responses.
const (
	CodeBadRequest       = "bad_request"
	CodeAccessDenied     = "access_denied"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeServerError      = "server_error"
)

// MaxFilenameLength bounds an uploaded filename in bytes.
const MaxFilenameLength = 255

// Notifier is the narrow slice of the chat core the transfer endpoint needs
// to announce uploads.
type Notifier interface {
	Broadcast(message string, exclude string) int
	DeliverPrivate(recipient string, message string) bool
}

// Response is the JSON body of every upload reply and every error.
type Response struct {
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

type uploadRequest struct {
	Filename  string `validate:"required,excludesall=/\\,ne=.,ne=.."`
	Username  string `validate:"required"`
	Recipient string `validate:"required"`
}

// Handler serves uploads and downloads against a Store.
type Handler struct {
	store         *Store
	notifier      Notifier
	log           *slog.Logger
	validate      *validator.Validate
	maxUploadSize int64
	now           func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock replaces the clock used for upload timestamps and notices.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates the file transfer endpoint. Uploads larger than
// maxUploadSize bytes are rejected.
func NewHandler(store *Store, notifier Notifier, log *slog.Logger, maxUploadSize int64, opts ...Option) *Handler {
	h := &Handler{
		store:         store,
		notifier:      notifier,
		log:           log,
		validate:      validator.New(),
		maxUploadSize: maxUploadSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the endpoint's ServeMux: uploads are POSTed to the root and
// files are fetched by name. GET routes also answer HEAD. Every other request
// gets a JSON error.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", h.Upload)
	mux.HandleFunc("GET /{filename}", h.Download)
	mux.HandleFunc("/", h.unmatched)
	return mux
}

// unmatched answers requests no route accepts. The root and single-segment
// paths exist for other methods; anything deeper does not exist at all.
func (h *Handler) unmatched(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such endpoint")
		return
	}

	allow := "GET, HEAD"
	if name == "" {
		allow = http.MethodPost
	}
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method "+r.Method+" not allowed")
}

// Upload stores the request body under the X-Filename header and announces
// it through the notifier.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	req := uploadRequest{
		Filename:  strings.TrimSpace(r.Header.Get(HeaderFilename)),
		Username:  strings.TrimSpace(r.Header.Get(HeaderUsername)),
		Recipient: strings.TrimSpace(r.Header.Get(HeaderRecipient)),
	}
	if req.Recipient == "" {
		req.Recipient = RecipientAll
	}
	if err := h.validateUpload(req); err != nil {
		h.log.Info("Upload rejected", "filename", req.Filename, "identity", req.Username, "error", err)
		writeError(w, http.StatusBadRequest, CodeBadRequest, "missing or invalid filename or username")
		return
	}

	at := h.now()
	body := http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	stored, err := h.store.Put(r.Context(), StoredFile{
		Filename:   req.Filename,
		Owner:      req.Username,
		Recipient:  req.Recipient,
		UploadedAt: at,
	}, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Info("Upload rejected", "filename", req.Filename, "identity", req.Username, "reason", "too large")
			writeError(w, http.StatusBadRequest, CodeBadRequest,
				"file exceeds maximum upload size of "+strconv.FormatInt(h.maxUploadSize, 10)+" bytes")
			return
		}
		h.log.Error("Upload failed", "filename", req.Filename, "identity", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, CodeServerError, "failed to store file")
		return
	}

	h.log.Info("File stored", "filename", stored.Filename, "identity", stored.Owner,
		"recipient", stored.Recipient, "size", stored.Size, "type", stored.ContentType)
	h.announce(stored, at)

	writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Filename:  stored.Filename,
		Recipient: stored.Recipient,
		Size:      stored.Size,
		Checksum:  stored.Checksum,
	})
}

func (h *Handler) validateUpload(req uploadRequest) error {
	if err := h.validate.Struct(req); err != nil {
		return err
	}
	if len(req.Filename) > MaxFilenameLength {
		return fmt.Errorf("filename longer than %d bytes", MaxFilenameLength)
	}
	return nil
}

// announce tells the chat sessions about a stored file. A public file is
// announced to everyone including the uploader; a private file goes to its
// recipient and the uploader gets a confirmation.
func (h *Handler) announce(file StoredFile, at time.Time) {
	if file.Recipient == RecipientAll {
		h.notifier.Broadcast(protocol.FileShared(at, file.Owner, file.Filename), "")
		return
	}

	if !h.notifier.DeliverPrivate(file.Recipient, protocol.FileReceived(at, file.Owner, file.Filename)) {
		h.log.Info("Recipient offline; file kept for later download", "filename", file.Filename, "recipient", file.Recipient)
	}
	if !h.notifier.DeliverPrivate(file.Owner, protocol.FileSent(at, file.Filename, file.Recipient)) {
		h.log.Debug("Uploader not connected to chat", "filename", file.Filename, "identity", file.Owner)
	}
}

// Download serves a stored file to an authorized requester named by the
// X-Username header.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	requester := strings.TrimSpace(r.Header.Get(HeaderUsername))
	if requester == "" {
		writeError(w, http.StatusForbidden, CodeAccessDenied, "missing "+HeaderUsername+" header")
		return
	}

	file, content, err := h.store.Get(r.Context(), filename)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "file not found")
			return
		}
		h.log.Error("Download failed", "filename", filename, "identity", requester, "error", err)
		writeError(w, http.StatusInternalServerError, CodeServerError, "failed to read file")
		return
	}
	defer func() {
		_ = content.Close()
	}()

	if !CanAccess(file, requester) {
		h.log.Info("Download denied", "filename", filename, "identity", requester)
		writeError(w, http.StatusForbidden, CodeAccessDenied, "access denied")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename}))
	header.Set(HeaderOwner, file.Owner)
	header.Set(HeaderUploadedAt, file.UploadedAt.UTC().Format(time.RFC3339))
	header.Set(HeaderDetectedType, file.ContentType)
	header.Set(HeaderChecksum, file.Checksum)

	h.log.Debug("Serving file", "filename", filename, "identity", requester, "size", file.Size)
	http.ServeContent(w, r, file.Filename, file.UploadedAt, content)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Status: "error", Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
