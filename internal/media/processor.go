package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

// bitmapSubtitleCodecs cannot be converted to SRT and are skipped.
var bitmapSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":      true,
	"dvb_subtitle":      true,
	"xsub":              true,
}

// passthroughAudioCodecs play natively in browsers; no transcode needed.
var passthroughAudioCodecs = map[string]bool{
	"aac": true,
	"mp3": true,
}

const processTimeout = 2 * time.Hour

// ContainerProber is the probe side of the external media tool.
type ContainerProber interface {
	Probe(ctx context.Context, filePath string) (domain.MediaInfo, error)
}

// StreamTranscoder is the mux/demux side of the external media tool.
type StreamTranscoder interface {
	ExtractSubtitle(ctx context.Context, input string, streamIndex int, output string) error
	TranscodeAudio(ctx context.Context, input, output string, audioStreamIndex int, copyAudio bool, duration float64, onProgress func(int)) error
}

// Broadcaster fans processing events out to the room's clients.
type Broadcaster interface {
	Broadcast(roomID, msgType string, data any)
}

// Processor orchestrates post-upload media preparation: probe, text
// subtitle extraction, then a conditional audio transcode. It runs off the
// request path; failures are contained in room state and never propagate.
type Processor struct {
	logger     *slog.Logger
	prober     ContainerProber
	transcoder StreamTranscoder
	bc         Broadcaster
	uploadsDir string
}

func NewProcessor(logger *slog.Logger, prober ContainerProber, transcoder StreamTranscoder, bc Broadcaster, uploadsDir string) *Processor {
	return &Processor{
		logger:     logger,
		prober:     prober,
		transcoder: transcoder,
		bc:         bc,
		uploadsDir: filepath.Clean(uploadsDir),
	}
}

// Process prepares inputPath for streaming and publishes it on the room.
// audioSelection is an index into the file's audio track list, -1 for the
// default. Always called on its own goroutine.
func (p *Processor) Process(ctx context.Context, r *room.Room, inputPath string, audioSelection int) {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	metrics.ProcessingJobsTotal.Inc()
	p.setMessage(r, "Analyzing video...")

	info, err := p.prober.Probe(ctx, inputPath)
	if err != nil {
		p.fail(r, "probe failed", err)
		return
	}

	if info.Duration > 0 {
		r.SetVideoDuration(info.Duration)
	}

	p.extractSubtitles(ctx, r, inputPath, info)

	finalPath, err := p.prepareAudio(ctx, r, inputPath, info, audioSelection)
	if err != nil {
		p.fail(r, "audio transcode failed", err)
		return
	}

	r.PublishVideo(finalPath)
	if p.bc != nil {
		p.bc.Broadcast(r.ID, "video-ready", map[string]any{
			"subtitles": r.Subtitles(),
		})
	}
	p.logger.Info("media processing finished",
		slog.String("roomId", r.ID),
		slog.String("videoPath", finalPath),
	)
}

// extractSubtitles demuxes every text subtitle stream. Per-stream failures
// are logged and skipped; they never fail the pipeline.
func (p *Processor) extractSubtitles(ctx context.Context, r *room.Room, inputPath string, info domain.MediaInfo) {
	subtitleTracks := info.TracksOfType("subtitle")
	if len(subtitleTracks) == 0 {
		return
	}
	p.setMessage(r, "Extracting subtitles...")

	textTracks := 0
	subsDir := filepath.Join(p.uploadsDir, r.ID+"_subtitles")
	for _, track := range subtitleTracks {
		if bitmapSubtitleCodecs[track.Codec] {
			continue
		}
		textTracks++

		if err := os.MkdirAll(subsDir, 0o755); err != nil {
			p.logger.Warn("subtitle dir create failed", slog.String("roomId", r.ID), slog.String("error", err.Error()))
			return
		}

		lang := track.Language
		if lang == "" {
			lang = "und"
		}
		filename := fmt.Sprintf("%s_sub_%d_%s.srt", r.ID, track.Index, lang)

		tmp, err := os.CreateTemp(p.uploadsDir, "sub-*.srt")
		if err != nil {
			p.logger.Warn("subtitle temp file failed", slog.String("roomId", r.ID), slog.String("error", err.Error()))
			continue
		}
		tmpPath := tmp.Name()
		tmp.Close()

		if err := p.transcoder.ExtractSubtitle(ctx, inputPath, track.Index, tmpPath); err != nil {
			p.logger.Warn("subtitle extraction failed",
				slog.String("roomId", r.ID),
				slog.Int("streamIndex", track.Index),
				slog.String("codec", track.Codec),
				slog.String("error", err.Error()),
			)
			_ = os.Remove(tmpPath)
			continue
		}

		if err := copyFile(tmpPath, filepath.Join(subsDir, filename)); err != nil {
			p.logger.Warn("subtitle publish failed", slog.String("roomId", r.ID), slog.String("error", err.Error()))
			_ = os.Remove(tmpPath)
			continue
		}
		_ = os.Remove(tmpPath)

		sub := domain.Subtitle{
			Filename:    filename,
			DisplayName: subtitleDisplayName(track),
		}
		r.AddSubtitle(sub)
		if p.bc != nil {
			p.bc.Broadcast(r.ID, "subtitle-added", sub)
		}
	}

	if textTracks == 0 {
		p.setMessage(r, "bitmap subtitles ignored")
	}
}

// prepareAudio returns the path of the playable file, transcoding the
// selected audio track to AAC when the browser cannot play it natively.
func (p *Processor) prepareAudio(ctx context.Context, r *room.Room, inputPath string, info domain.MediaInfo, audioSelection int) (string, error) {
	audioTracks := info.TracksOfType("audio")
	if len(audioTracks) == 0 {
		return inputPath, nil
	}

	explicit := audioSelection >= 0 && audioSelection < len(audioTracks)
	target := audioTracks[0]
	if explicit {
		target = audioTracks[audioSelection]
	}

	compatible := passthroughAudioCodecs[target.Codec]
	// A compatible default track streams as-is. An explicit pick among
	// several tracks still needs a remux to isolate that track.
	if compatible && !(explicit && len(audioTracks) > 1) {
		return inputPath, nil
	}

	p.setMessage(r, "Converting audio: 0%")

	ext := filepath.Ext(inputPath)
	outputPath := strings.TrimSuffix(inputPath, ext) + "_converted.mp4"

	lastPct := -1
	onProgress := func(pct int) {
		if pct == lastPct {
			return
		}
		lastPct = pct
		p.setMessage(r, fmt.Sprintf("Converting audio: %d%%", pct))
	}

	err := p.transcoder.TranscodeAudio(ctx, inputPath, outputPath, target.Index, compatible, info.Duration, onProgress)
	if err != nil {
		_ = os.Remove(outputPath)
		return "", err
	}

	if err := os.Remove(inputPath); err != nil {
		p.logger.Warn("original file removal failed",
			slog.String("roomId", r.ID),
			slog.String("path", inputPath),
			slog.String("error", err.Error()),
		)
	}
	return outputPath, nil
}

func (p *Processor) setMessage(r *room.Room, message string) {
	r.SetProcessing(true, message)
	if p.bc != nil {
		p.bc.Broadcast(r.ID, "processing-progress", map[string]any{"message": message})
	}
}

// fail records a contained processing failure; the room stays recoverable
// by re-upload.
func (p *Processor) fail(r *room.Room, stage string, err error) {
	metrics.ProcessingFailuresTotal.Inc()
	p.logger.Error("media processing failed",
		slog.String("roomId", r.ID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	r.SetProcessing(false, "Error")
	if p.bc != nil {
		p.bc.Broadcast(r.ID, "processing-progress", map[string]any{"message": "Error"})
	}
}

func subtitleDisplayName(track domain.MediaTrack) string {
	if track.Title != "" {
		return track.Title
	}
	if track.Language != "" {
		return track.Language
	}
	return fmt.Sprintf("Track %d", track.Index)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
