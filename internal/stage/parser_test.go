package stage

import "testing"

func TestParseDDProgress(t *testing.T) {
	tests := []struct {
		line      string
		wantBytes int64
		wantOK    bool
	}{
		{"1234567890 bytes (1.2 GB, 1.1 GiB) copied, 5 s, 247 MB/s", 1234567890, true},
		{"0 bytes (0 B) copied, 0.001 s, 0 B/s", 0, true},
		{"records in", 0, false},
		{"", 0, false},
		{"bytes without a leading number", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseDDProgress(tt.line)
		if ok != tt.wantOK || got != tt.wantBytes {
			t.Errorf("parseDDProgress(%q) = (%d, %v), want (%d, %v)", tt.line, got, ok, tt.wantBytes, tt.wantOK)
		}
	}
}
