// Package media serves audio files with HTTP byte-range support.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const chunkSize = 8 * 1024

var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d*)`)

// Streamer serves files below a media root. It holds no locks, so any
// number of readers may stream concurrently.
type Streamer struct {
	root string
	log  *slog.Logger
}

func NewStreamer(root string, log *slog.Logger) *Streamer {
	return &Streamer{
		root: root,
		log:  log.With(slog.String("component", "range-streamer")),
	}
}

// ServeHTTP serves the file named by the "filename" path value.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Serve(w, r, r.PathValue("filename"))
}

// Serve writes name to w, honoring a single "bytes=start-[end]" range. A
// missing or unparseable Range header yields the whole file.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	full, ok := s.resolve(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to open media", slog.String("file", name), slog.String("error", err.Error()))
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	size := info.Size()

	h := w.Header()
	h.Set("Content-Type", ContentType(full))
	h.Set("Accept-Ranges", "bytes")

	start, end, ranged := ParseRange(r.Header.Get("Range"), size)
	if ranged && (start >= size || start > end) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	status := http.StatusOK
	length := size
	if ranged {
		length = end - start + 1
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	} else {
		start = 0
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	section := io.NewSectionReader(f, start, length)
	if _, err := io.CopyBuffer(w, section, make([]byte, chunkSize)); err != nil {
		s.log.Debug("stream interrupted", slog.String("file", name), slog.String("error", err.Error()))
	}
}

// resolve maps a request name to a path inside the media root, refusing
// absolute names and anything that climbs out of it.
func (s *Streamer) resolve(name string) (string, bool) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", false
	}
	rel := filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(s.root, rel), true
}

// ParseRange reads a "bytes=start-[end]" header. ok is false when the header
// is absent or does not match, in which case the whole file is served. end
// defaults to and is clamped at size-1. The returned range may still be
// unsatisfiable (start beyond the file or after end); callers check that.
func ParseRange(header string, size int64) (start, end int64, ok bool) {
	m := rangePattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end = size - 1
	if m[2] != "" {
		e, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		if e < end {
			end = e
		}
	}
	return start, end, true
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".webm": "audio/webm",
}

// ContentType guesses the media type from the file extension.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
