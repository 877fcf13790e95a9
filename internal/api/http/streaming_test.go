package apihttp

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

func publishVideo(t *testing.T, f *fixture, size int64) *room.Room {
	t.Helper()
	rm, err := f.registry.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	path := filepath.Join(f.uploadsDir, rm.ID+"_movie.mp4")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	rm.PublishVideo(path)
	return rm
}

func rangeGet(t *testing.T, f *fixture, roomID, rangeHeader string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/video/"+roomID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /video: %v", err)
	}
	return resp
}

func TestVideoRangeWindowCapsResponse(t *testing.T) {
	const size = int64(10485760) // 10 MiB
	f := newFixture(t)
	rm := publishVideo(t, f, size)

	resp := rangeGet(t, f, rm.ID, "bytes=0-")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 0-4194303/10485760" {
		t.Fatalf("Content-Range = %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 4194304 {
		t.Fatalf("body length = %d, want 4194304", len(body))
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatal("Accept-Ranges header missing")
	}
	if resp.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestVideoTailRange(t *testing.T) {
	const size = int64(10485760)
	f := newFixture(t)
	rm := publishVideo(t, f, size)

	resp := rangeGet(t, f, rm.ID, "bytes=9000000-")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 9000000-10485759/10485760" {
		t.Fatalf("Content-Range = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 1485760 {
		t.Fatalf("body length = %d, want 1485760", len(body))
	}
	// Content integrity at the slice boundary.
	if body[0] != byte(9000000%251) {
		t.Fatalf("first tail byte = %d, want %d", body[0], byte(9000000%251))
	}
}

func TestVideoExactRangeServedUnwindowed(t *testing.T) {
	f := newFixture(t)
	rm := publishVideo(t, f, 1<<20)

	resp := rangeGet(t, f, rm.ID, "bytes=100-199")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 100 {
		t.Fatalf("body length = %d, want 100", len(body))
	}
	want := make([]byte, 100)
	for i := range want {
		want[i] = byte((100 + i) % 251)
	}
	if !bytes.Equal(body, want) {
		t.Fatal("range slice content mismatch")
	}
}

func TestVideoFullDownloadWithoutRange(t *testing.T) {
	const size = int64(1 << 20)
	f := newFixture(t)
	rm := publishVideo(t, f, size)

	resp := rangeGet(t, f, rm.ID, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if int64(len(body)) != size {
		t.Fatalf("body length = %d, want %d", len(body), size)
	}
}

func TestVideoUnsatisfiableRange(t *testing.T) {
	f := newFixture(t)
	rm := publishVideo(t, f, 1<<20)

	resp := rangeGet(t, f, rm.ID, "bytes=99999999-")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */1048576" {
		t.Fatalf("Content-Range = %q", got)
	}
}

func TestVideoMalformedRange(t *testing.T) {
	f := newFixture(t)
	rm := publishVideo(t, f, 1<<20)

	resp := rangeGet(t, f, rm.ID, "bytes=5-2")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestVideoHeadReportsFullLength(t *testing.T) {
	const size = int64(1 << 20)
	f := newFixture(t)
	rm := publishVideo(t, f, size)

	resp, err := http.Head(f.ts.URL + "/video/" + rm.ID)
	if err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Length"); got != "1048576" {
		t.Fatalf("Content-Length = %q", got)
	}
}

func TestVideoNotReady(t *testing.T) {
	f := newFixture(t)
	rm, _ := f.registry.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})

	resp := rangeGet(t, f, rm.ID, "")
	code, payload := decodeResponse(t, resp)
	if code != http.StatusNotFound || errorCode(t, payload) != "not_found" {
		t.Fatalf("unpublished video = %d %v", code, payload)
	}

	resp = rangeGet(t, f, "no-such-room", "")
	code, payload = decodeResponse(t, resp)
	if code != http.StatusNotFound || errorCode(t, payload) != "not_found" {
		t.Fatalf("unknown room video = %d %v", code, payload)
	}
}

func TestSubtitleUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	rm, _ := f.registry.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})

	content := "1\n00:00:01,000 --> 00:00:02,000\nOl\xe1, caf\xe9\n" // Windows-1252
	req, err := http.NewRequest(http.MethodPost,
		f.ts.URL+"/api/upload/subtitle/"+rm.ID+"?hostId=host-1",
		bytes.NewReader([]byte(content)),
	)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Filename", "legendas pt.srt")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload subtitle: %v", err)
	}
	code, payload := decodeResponse(t, resp)
	if code != http.StatusOK || payload["success"] != true {
		t.Fatalf("subtitle upload = %d %v", code, payload)
	}
	filename, _ := payload["filename"].(string)
	if filename != "legendas_pt.srt" {
		t.Fatalf("stored filename = %q", filename)
	}
	if len(rm.Subtitles()) != 1 {
		t.Fatal("subtitle not registered on the room")
	}

	// Download re-encodes legacy bytes as UTF-8.
	dlResp, err := http.Get(f.ts.URL + "/api/upload/subtitle/" + rm.ID + "/" + filename)
	if err != nil {
		t.Fatalf("download subtitle: %v", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dlResp.StatusCode)
	}
	body, _ := io.ReadAll(dlResp.Body)
	if !bytes.Contains(body, []byte("Olá, café")) {
		t.Fatalf("downloaded text not UTF-8 decoded: %q", body)
	}
}

func TestSubtitleUploadRejectsWrongExtension(t *testing.T) {
	f := newFixture(t)
	rm, _ := f.registry.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})

	req, _ := http.NewRequest(http.MethodPost,
		f.ts.URL+"/api/upload/subtitle/"+rm.ID+"?hostId=host-1",
		bytes.NewReader([]byte("payload")),
	)
	req.Header.Set("X-Filename", "malware.exe")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	code, payload := decodeResponse(t, resp)
	if code != http.StatusBadRequest || errorCode(t, payload) != "validation_error" {
		t.Fatalf("wrong extension = %d %v", code, payload)
	}
}

func TestSubtitleDownloadMissingFile(t *testing.T) {
	f := newFixture(t)
	rm, _ := f.registry.Create(room.Meta{MovieName: "Alien", HostID: "host-1"})

	resp, err := http.Get(f.ts.URL + "/api/upload/subtitle/" + rm.ID + "/missing.srt")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	code, payload := decodeResponse(t, resp)
	if code != http.StatusNotFound || errorCode(t, payload) != "not_found" {
		t.Fatalf("missing subtitle = %d %v", code, payload)
	}
}

func TestDecodeSubtitleText(t *testing.T) {
	bomText := append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...)
	if got := decodeSubtitleText(bomText); string(got) != "hello" {
		t.Fatalf("BOM strip = %q", got)
	}

	utf8Text := []byte("já em UTF-8")
	if got := decodeSubtitleText(utf8Text); !bytes.Equal(got, utf8Text) {
		t.Fatalf("valid UTF-8 rewritten: %q", got)
	}

	win1252 := []byte("caf\xe9")
	if got := decodeSubtitleText(win1252); string(got) != "café" {
		t.Fatalf("Windows-1252 decode = %q", got)
	}
}
