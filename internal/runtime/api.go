package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-review/internal/apperr"
	"github.com/loqalabs/loqa-review/internal/history"
	"github.com/loqalabs/loqa-review/internal/media"
	"github.com/loqalabs/loqa-review/internal/review"
	"github.com/loqalabs/loqa-review/internal/store"
)

const (
	mediaPrefix  = "/media/audios/"
	maxFormBytes = 1 << 20
)

// API serves the review endpoints.
type API struct {
	queue        *review.Queue
	arbiter      *review.Arbiter
	committer    *review.Committer
	streamer     *media.Streamer
	history      *history.Store
	callerHeader string
	log          *slog.Logger
}

type segmentView struct {
	Segment   store.Segment `json:"segment"`
	Prev      *int64        `json:"prev"`
	Next      *int64        `json:"next"`
	StreamURL string        `json:"stream_url"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewAPI(queue *review.Queue, arbiter *review.Arbiter, committer *review.Committer, streamer *media.Streamer, events *history.Store, callerHeader string, log *slog.Logger) *API {
	return &API{
		queue:        queue,
		arbiter:      arbiter,
		committer:    committer,
		streamer:     streamer,
		history:      events,
		callerHeader: callerHeader,
		log:          log.With(slog.String("component", "api")),
	}
}

// Register mounts the review routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", a.handlePending)
	mux.HandleFunc("GET /segment/{id}/edit", a.handleSegment)
	mux.HandleFunc("POST /segment/{id}/edit", a.handleCommit)
	mux.HandleFunc("POST /segment/{id}/lock", a.handleLock)
	mux.HandleFunc("DELETE /segment/{id}/lock", a.handleUnlock)
	mux.HandleFunc("GET /segment/{id}/history", a.handleHistory)
	mux.Handle("GET "+mediaPrefix+"{filename...}", a.streamer)
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	segs, err := a.queue.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segs})
}

func (a *API) handleSegment(w http.ResponseWriter, r *http.Request) {
	id, err := segmentID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	seg, err := a.queue.Segment(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	prev, next, err := a.queue.Neighbors(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentView{Segment: seg, Prev: prev, Next: next, StreamURL: StreamURL(seg.AudioFile)})
}

func (a *API) handleCommit(w http.ResponseWriter, r *http.Request) {
	caller, err := a.caller(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	id, err := segmentID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		a.writeError(w, apperr.Validation("", "malformed form body"))
		return
	}
	patch, err := review.ParsePatch(r.PostForm)
	if err != nil {
		a.writeError(w, err)
		return
	}

	res, err := a.committer.Commit(r.Context(), id, caller, patch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentView{
		Segment:   res.Segment,
		Prev:      res.Prev,
		Next:      res.Next,
		StreamURL: StreamURL(res.Segment.AudioFile),
	})
}

func (a *API) handleLock(w http.ResponseWriter, r *http.Request) {
	caller, err := a.caller(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	id, err := segmentID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	lock, err := a.arbiter.Acquire(r.Context(), id, caller)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segment_id": id, "lock": lock})
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id, err := segmentID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.arbiter.Release(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := segmentID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if _, err := a.queue.Segment(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			a.writeError(w, apperr.Validation("limit", "limit must be a non-negative integer"))
			return
		}
	}
	events, err := a.history.SegmentEvents(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, apperr.Persistence("read history", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segment_id": id, "events": events})
}

func (a *API) caller(r *http.Request) (string, error) {
	caller := strings.TrimSpace(r.Header.Get(a.callerHeader))
	if caller == "" {
		return "", apperr.Unauthorized("missing " + a.callerHeader + " header")
	}
	return caller, nil
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: errorDetail{
		Code:    string(apperr.KindOf(err)),
		Message: apperr.Message(err),
	}}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind != apperr.KindPersistence {
		body.Error.Details = appErr.Details
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

// StreamURL is the playback URL of an audio file.
func StreamURL(file string) string {
	if file == "" {
		return ""
	}
	return mediaPrefix + url.PathEscape(file)
}

func segmentID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.NotFound("segment", r.PathValue("id"))
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
