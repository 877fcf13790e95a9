package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Transcoder shells out to ffmpeg. The result contract is exit code plus
// stderr; stderr is also scanned for time= progress lines.
type Transcoder struct {
	binary string
	logger *slog.Logger
}

func NewTranscoder(binary string, logger *slog.Logger) *Transcoder {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{binary: bin, logger: logger}
}

// ExtractSubtitle demuxes one text subtitle stream to SRT.
func (t *Transcoder) ExtractSubtitle(ctx context.Context, input string, streamIndex int, output string) error {
	args := []string{
		"-y",
		"-i", input,
		"-map", fmt.Sprintf("0:%d", streamIndex),
		"-c:s", "srt",
		output,
	}
	t.logger.Debug("extracting subtitle stream", slog.Int("streamIndex", streamIndex), slog.String("output", output))
	cmd := exec.CommandContext(ctx, t.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg subtitle extract (stream %d): %w: %s",
			streamIndex, err, lastStderrLine(stderr.Bytes()))
	}
	return nil
}

// TranscodeAudio produces a faststart MP4 with the video track copied and a
// single audio track. When copyAudio is set the audio is passed through,
// otherwise it is encoded to 2-channel AAC at 192 kbps. onProgress receives
// percentages in [0,100] derived from stderr when duration is known.
func (t *Transcoder) TranscodeAudio(ctx context.Context, input, output string, audioStreamIndex int, copyAudio bool, duration float64, onProgress func(int)) error {
	args := []string{
		"-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", fmt.Sprintf("0:%d", audioStreamIndex),
		"-c:v", "copy",
	}
	if copyAudio {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-ac", "2", "-b:a", "192k")
	}
	args = append(args, "-movflags", "+faststart", output)

	t.logger.Debug("transcoding audio",
		slog.Int("streamIndex", audioStreamIndex),
		slog.Bool("copyAudio", copyAudio),
		slog.String("output", output),
	)
	cmd := exec.CommandContext(ctx, t.binary, args...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	var tail []byte
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail[:0], line...)
		if onProgress == nil || duration <= 0 {
			continue
		}
		if elapsed, ok := parseProgressTime(line); ok {
			pct := int(elapsed / duration * 100)
			if pct > 100 {
				pct = 100
			}
			onProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg audio transcode (stream %d): %w: %s",
			audioStreamIndex, err, string(tail))
	}
	return nil
}

var progressTimeRe = regexp.MustCompile(`time=(\d+):(\d\d):(\d\d(?:\.\d+)?)`)

// parseProgressTime extracts the elapsed seconds from an ffmpeg stderr
// status line (time=HH:MM:SS.cc).
func parseProgressTime(line string) (float64, bool) {
	match := progressTimeRe.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	hours, _ := strconv.ParseFloat(match[1], 64)
	minutes, _ := strconv.ParseFloat(match[2], 64)
	seconds, _ := strconv.ParseFloat(match[3], 64)
	return hours*3600 + minutes*60 + seconds, true
}

// scanCRLines splits on \n or \r since ffmpeg rewrites its status line
// with carriage returns.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastStderrLine(output []byte) string {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return "no stderr output"
	}
	if i := bytes.LastIndexAny(trimmed, "\r\n"); i >= 0 {
		return string(bytes.TrimSpace(trimmed[i+1:]))
	}
	return string(trimmed)
}
