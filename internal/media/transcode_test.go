package media

import (
	"bufio"
	"strings"
	"testing"
)

func TestParseProgressTime(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"frame= 1000 fps=120 time=00:01:30.50 bitrate=1500kbits/s", 90.5, true},
		{"size=  10240kB time=01:00:00.00 bitrate=", 3600, true},
		{"time=10:02:03", 36123, true},
		{"frame= 1000 fps=120 bitrate=1500kbits/s", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgressTime(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseProgressTime(%q) = (%v, %v), want (%v, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestScanCRLinesSplitsCarriageReturns(t *testing.T) {
	input := "line one\rline two\nline three"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanCRLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	want := []string{"line one", "line two", "line three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestLastStderrLine(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "no stderr output"},
		{"   \n  ", "no stderr output"},
		{"single line", "single line"},
		{"first\nsecond\nError: broken pipe\n", "Error: broken pipe"},
		{"progress\rprogress\rfatal", "fatal"},
	}
	for _, tc := range cases {
		if got := lastStderrLine([]byte(tc.in)); got != tc.want {
			t.Errorf("lastStderrLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
