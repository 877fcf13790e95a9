package apihttp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/encoding/charmap"

	"github.com/igorpdm/Manoel-Filmes/internal/fsutil"
	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
	"github.com/igorpdm/Manoel-Filmes/internal/upload"
)

// streamWindow caps one range response at 4 MiB so a seeking player never
// pins a multi-gigabyte read.
const streamWindow = int64(4 << 20)

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	path := rm.VideoPath()
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", "video not ready")
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "video file missing")
		return
	}
	size := info.Size()
	contentType := fallbackContentType(filepath.Ext(path))

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		s.streamSlice(w, r, path, 0, size-1)
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		if err == errRangeNotSatisfiable {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "validation_error", "range not satisfiable")
			return
		}
		writeError(w, http.StatusBadRequest, "validation_error", "invalid range header")
		return
	}
	if max := start + streamWindow - 1; end > max {
		end = max
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.streamSlice(w, r, path, start, end)
}

// streamSlice copies [start,end] of the file to the response. A client
// abort surfaces as a write error and simply stops the copy.
func (s *Server) streamSlice(w http.ResponseWriter, r *http.Request, path string, start, end int64) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("video open failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	written, err := io.Copy(w, io.NewSectionReader(f, start, end-start+1))
	metrics.StreamBytesTotal.Add(float64(written))
	if err != nil && r.Context().Err() == nil {
		s.logger.Debug("video stream interrupted",
			slog.String("path", path),
			slog.Int64("written", written),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleSubtitleDownload(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	filename := upload.SanitizeFilename(chi.URLParam(r, "filename"))
	if filename == "" || filename == "_" {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid subtitle filename")
		return
	}

	path := filepath.Join(s.uploadsDir, rm.ID+"_subtitles", filename)
	if !fsutil.Within(s.uploadsDir, path) {
		writeError(w, http.StatusBadRequest, "validation_error", "filename escapes uploads root")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "subtitle not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(decodeSubtitleText(data))
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeSubtitleText returns UTF-8 text: BOM stripped when present, and a
// Windows-1252 reinterpretation when the bytes are not valid UTF-8
// (the common legacy encoding for .srt files).
func decodeSubtitleText(data []byte) []byte {
	if bytes.HasPrefix(data, utf8BOM) {
		return data[len(utf8BOM):]
	}
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}
