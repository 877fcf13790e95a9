package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

type fakeProber struct {
	info domain.MediaInfo
	err  error
}

func (p *fakeProber) Probe(context.Context, string) (domain.MediaInfo, error) {
	return p.info, p.err
}

type extractCall struct {
	streamIndex int
	output      string
}

type transcodeCall struct {
	input            string
	output           string
	audioStreamIndex int
	copyAudio        bool
}

type fakeTranscoder struct {
	extractErr   error
	transcodeErr error
	extracts     []extractCall
	transcodes   []transcodeCall
	progress     []int
}

func (t *fakeTranscoder) ExtractSubtitle(_ context.Context, _ string, streamIndex int, output string) error {
	t.extracts = append(t.extracts, extractCall{streamIndex: streamIndex, output: output})
	return t.extractErr
}

func (t *fakeTranscoder) TranscodeAudio(_ context.Context, input, output string, audioStreamIndex int, copyAudio bool, _ float64, onProgress func(int)) error {
	t.transcodes = append(t.transcodes, transcodeCall{
		input:            input,
		output:           output,
		audioStreamIndex: audioStreamIndex,
		copyAudio:        copyAudio,
	})
	if t.transcodeErr != nil {
		return t.transcodeErr
	}
	if onProgress != nil {
		for _, pct := range []int{25, 50, 100} {
			onProgress(pct)
			t.progress = append(t.progress, pct)
		}
	}
	if err := os.WriteFile(output, []byte("converted"), 0o644); err != nil {
		return err
	}
	return nil
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []recordedMsg
}

type recordedMsg struct {
	msgType string
	data    any
}

func (b *recordingBroadcaster) Broadcast(_, msgType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, recordedMsg{msgType: msgType, data: data})
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.messages))
	for _, m := range b.messages {
		out = append(out, m.msgType)
	}
	return out
}

func (b *recordingBroadcaster) progressMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.messages {
		if m.msgType != "processing-progress" {
			continue
		}
		if payload, ok := m.data.(map[string]any); ok {
			if msg, ok := payload["message"].(string); ok {
				out = append(out, msg)
			}
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProcessorFixture(t *testing.T, info domain.MediaInfo) (*Processor, *room.Room, *fakeTranscoder, *recordingBroadcaster, string) {
	t.Helper()
	uploadsDir := t.TempDir()
	bc := &recordingBroadcaster{}
	tr := &fakeTranscoder{}
	p := NewProcessor(discardLogger(), &fakeProber{info: info}, tr, bc, uploadsDir)

	reg := room.NewRegistry(discardLogger(), uploadsDir)
	r, err := reg.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return p, r, tr, bc, uploadsDir
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "upload_movie.mkv")
	if err := os.WriteFile(path, []byte("container"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func TestProcessPassthroughPublishesOriginal(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "aac", Default: true},
		},
		Duration: 3600,
	}
	p, r, tr, bc, uploadsDir := newProcessorFixture(t, info)
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if len(tr.transcodes) != 0 {
		t.Fatalf("passthrough audio must not transcode, got %d calls", len(tr.transcodes))
	}
	if got := r.VideoPath(); got != input {
		t.Fatalf("published path = %q, want the original %q", got, input)
	}
	if r.Processing() {
		t.Fatal("processing flag still set after publish")
	}
	if !containsType(bc.types(), "video-ready") {
		t.Fatalf("video-ready not broadcast, got %v", bc.types())
	}
}

func TestProcessTranscodesIncompatibleAudio(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "ac3", Default: true},
		},
		Duration: 3600,
	}
	p, r, tr, bc, uploadsDir := newProcessorFixture(t, info)
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if len(tr.transcodes) != 1 {
		t.Fatalf("transcode calls = %d, want 1", len(tr.transcodes))
	}
	call := tr.transcodes[0]
	if call.audioStreamIndex != 1 || call.copyAudio {
		t.Fatalf("transcode call = %+v, want stream 1 re-encoded", call)
	}
	wantOutput := strings.TrimSuffix(input, ".mkv") + "_converted.mp4"
	if r.VideoPath() != wantOutput {
		t.Fatalf("published path = %q, want %q", r.VideoPath(), wantOutput)
	}
	if _, err := os.Stat(input); !os.IsNotExist(err) {
		t.Fatal("original container not removed after transcode")
	}

	var sawPercent bool
	for _, msg := range bc.progressMessages() {
		if msg == "Converting audio: 50%" {
			sawPercent = true
		}
	}
	if !sawPercent {
		t.Fatalf("progress messages missing percent updates: %v", bc.progressMessages())
	}
}

func TestProcessExplicitSelectionForcesRemux(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "aac", Default: true},
			{Index: 2, Type: "audio", Codec: "aac", Language: "por"},
		},
		Duration: 3600,
	}
	p, r, tr, _, uploadsDir := newProcessorFixture(t, info)
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, 1)

	if len(tr.transcodes) != 1 {
		t.Fatalf("explicit pick among several tracks must remux, calls = %d", len(tr.transcodes))
	}
	call := tr.transcodes[0]
	if call.audioStreamIndex != 2 {
		t.Fatalf("remux stream = %d, want absolute index 2", call.audioStreamIndex)
	}
	if !call.copyAudio {
		t.Fatal("compatible codec should be stream-copied, not re-encoded")
	}
}

func TestProcessExtractsTextSubtitles(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "aac"},
			{Index: 2, Type: "subtitle", Codec: "subrip", Language: "eng", Title: "English SDH"},
			{Index: 3, Type: "subtitle", Codec: "hdmv_pgs_subtitle", Language: "por"},
		},
	}
	p, r, tr, bc, uploadsDir := newProcessorFixture(t, info)
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if len(tr.extracts) != 1 {
		t.Fatalf("extract calls = %d, want 1 (bitmap stream skipped)", len(tr.extracts))
	}
	if tr.extracts[0].streamIndex != 2 {
		t.Fatalf("extracted stream = %d, want 2", tr.extracts[0].streamIndex)
	}

	subs := r.Subtitles()
	if len(subs) != 1 {
		t.Fatalf("registered subtitles = %d, want 1", len(subs))
	}
	wantFilename := fmt.Sprintf("%s_sub_2_eng.srt", r.ID)
	if subs[0].Filename != wantFilename {
		t.Fatalf("subtitle filename = %q, want %q", subs[0].Filename, wantFilename)
	}
	if subs[0].DisplayName != "English SDH" {
		t.Fatalf("display name = %q, want the stream title", subs[0].DisplayName)
	}
	if !fileExistsAt(filepath.Join(uploadsDir, r.ID+"_subtitles", wantFilename)) {
		t.Fatal("published subtitle file missing")
	}
	if !containsType(bc.types(), "subtitle-added") {
		t.Fatalf("subtitle-added not broadcast, got %v", bc.types())
	}
}

func TestProcessBitmapOnlySubtitlesReportIgnored(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "aac"},
			{Index: 2, Type: "subtitle", Codec: "dvd_subtitle"},
		},
	}
	p, r, tr, bc, uploadsDir := newProcessorFixture(t, info)
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if len(tr.extracts) != 0 {
		t.Fatalf("bitmap streams must not be extracted, calls = %d", len(tr.extracts))
	}
	found := false
	for _, msg := range bc.progressMessages() {
		if msg == "bitmap subtitles ignored" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing bitmap notice, progress = %v", bc.progressMessages())
	}
	if r.VideoPath() == "" {
		t.Fatal("bitmap subtitles must not block publishing")
	}
}

func TestProcessSubtitleFailureIsContained(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "aac"},
			{Index: 2, Type: "subtitle", Codec: "subrip"},
		},
	}
	p, r, tr, _, uploadsDir := newProcessorFixture(t, info)
	tr.extractErr = errors.New("demux exploded")
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if len(r.Subtitles()) != 0 {
		t.Fatal("failed extraction registered a subtitle")
	}
	if r.VideoPath() != input {
		t.Fatal("subtitle failure must not block publishing")
	}
}

func TestProcessProbeFailureSetsErrorState(t *testing.T) {
	uploadsDir := t.TempDir()
	bc := &recordingBroadcaster{}
	p := NewProcessor(discardLogger(), &fakeProber{err: errors.New("ffprobe died")}, &fakeTranscoder{}, bc, uploadsDir)

	reg := room.NewRegistry(discardLogger(), uploadsDir)
	r, _ := reg.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if r.Processing() {
		t.Fatal("processing flag still set after failure")
	}
	if r.VideoPath() != "" {
		t.Fatal("failed processing published a video")
	}
	msgs := bc.progressMessages()
	if len(msgs) == 0 || msgs[len(msgs)-1] != "Error" {
		t.Fatalf("last progress message = %v, want Error", msgs)
	}
}

func TestProcessTranscodeFailureSetsErrorState(t *testing.T) {
	info := domain.MediaInfo{
		Tracks: []domain.MediaTrack{
			{Index: 0, Type: "video", Codec: "h264"},
			{Index: 1, Type: "audio", Codec: "dts"},
		},
		Duration: 3600,
	}
	p, r, tr, bc, uploadsDir := newProcessorFixture(t, info)
	tr.transcodeErr = errors.New("encoder crashed")
	input := writeInput(t, uploadsDir)

	p.Process(context.Background(), r, input, -1)

	if r.VideoPath() != "" {
		t.Fatal("failed transcode published a video")
	}
	if fileExistsAt(input) == false {
		t.Fatal("input must survive a failed transcode")
	}
	msgs := bc.progressMessages()
	if len(msgs) == 0 || msgs[len(msgs)-1] != "Error" {
		t.Fatalf("last progress message = %v, want Error", msgs)
	}
}

func containsType(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func fileExistsAt(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
