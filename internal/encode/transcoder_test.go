package encode

import (
	"strings"
	"testing"
)

func collectProgress(t *testing.T, input string, duration float64) []float64 {
	t.Helper()
	h := &ffmpegHandle{progress: make(chan float64, 64)}
	h.parseProgress(strings.NewReader(input), duration)

	var out []float64
	for pct := range h.progress {
		out = append(out, pct)
	}
	return out
}

func TestParseProgressBatches(t *testing.T) {
	input := strings.Join([]string{
		"frame=100",
		"out_time_us=30000000",
		"progress=continue",
		"frame=200",
		"out_time_us=60000000",
		"progress=continue",
		"out_time_us=120000000",
		"progress=end",
	}, "\n")

	got := collectProgress(t, input, 120)
	want := []float64{25, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("progress events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseProgressClampsOverrun(t *testing.T) {
	input := "out_time_us=150000000\nprogress=end\n"
	got := collectProgress(t, input, 120)
	if len(got) != 1 || got[0] != 100 {
		t.Fatalf("progress = %v, want [100]", got)
	}
}

func TestParseProgressOutTimeFallback(t *testing.T) {
	input := "out_time=00:01:30.000000\nprogress=continue\n"
	got := collectProgress(t, input, 180)
	if len(got) != 1 || got[0] != 50 {
		t.Fatalf("progress = %v, want [50]", got)
	}
}

func TestParseProgressZeroDurationEmitsNothing(t *testing.T) {
	input := "out_time_us=1000000\nprogress=continue\n"
	if got := collectProgress(t, input, 0); len(got) != 0 {
		t.Fatalf("progress = %v, want none", got)
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"00:00:02.000000", 2, true},
		{"01:30:00.500000", 5400.5, true},
		{"garbage", 0, false},
		{"1:2", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseClock(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseClock(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	w := newLineWriter(testLogger(), "720p")
	n, err := w.Write([]byte("first line\n\nsecond line\npartial"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len("first line\n\nsecond line\npartial") {
		t.Errorf("n = %d", n)
	}
}
