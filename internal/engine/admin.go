package engine

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	platformerrors "github.com/jmgilman/go/errors"

	"foliocache/internal/faults"
	"foliocache/internal/upload"
)

// multipart overhead allowed on top of the largest accepted upload.
const uploadSlack = 1 << 20

type uploadResponse struct {
	Decision upload.Decision     `json:"decision"`
	Asset    *upload.StoredAsset `json:"asset,omitempty"`
}

type actionRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler serves the admin endpoints and sends everything else through the
// caching router.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_folio/commands", e.handleCommand)
	mux.HandleFunc("POST /_folio/uploads", e.handleUpload)
	mux.HandleFunc("POST /_folio/actions", e.handleAction)
	mux.HandleFunc("GET /_folio/stats", e.handleStats)
	mux.Handle("/", e.router.Handler(e.cfg.Server.Origin))
	return mux
}

func (e *Engine) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cmd); err != nil {
		e.writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "decode command"))
		return
	}
	res, err := e.Dispatch(r.Context(), cmd)
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (e *Engine) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, e.cfg.VideoMaxBytes()+uploadSlack)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			e.writeError(w, r, faults.New(faults.UploadRejected, upload.ReasonTooLarge))
			return
		}
		e.writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "read multipart file"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		e.writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "read upload"))
		return
	}
	gallery, _ := strconv.ParseBool(r.FormValue("gallery"))

	c := upload.NewCandidate(hdr.Filename, data, gallery)
	d, asset, err := e.uploads.Store(r.Context(), c)
	if err != nil {
		e.logger.WarnContext(r.Context(), "upload failed",
			slog.String("name", hdr.Filename), slog.String("destination", d.Destination.String()), slog.Any("error", err))
		e.writeError(w, r, err)
		return
	}
	e.logger.InfoContext(r.Context(), "upload stored",
		slog.String("name", hdr.Filename), slog.String("destination", asset.Destination.String()),
		slog.Bool("durable", asset.Durable), slog.Bool("fell_back", asset.FellBack))
	writeJSON(w, http.StatusCreated, uploadResponse{Decision: d, Asset: &asset})
}

func (e *Engine) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		e.writeError(w, r, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "decode action"))
		return
	}
	if req.Kind == "" {
		e.writeError(w, r, platformerrors.New(platformerrors.CodeInvalidInput, "action kind is required"))
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	a, err := e.offline.RecordPendingAction(r.Context(), req.Kind, payload)
	if err != nil {
		e.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Snapshot(r.Context()))
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	if faults.Is(err, faults.UploadRejected) {
		return http.StatusUnprocessableEntity
	}
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case platformerrors.CodeNetwork, platformerrors.CodeTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (e *Engine) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		e.logger.ErrorContext(r.Context(), "admin request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeJSON(w, status, platformerrors.ToJSON(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
