package stage

import (
	"bufio"
	"bytes"
	"testing"
)

func TestScanLinesOrCRSplitsOnBothTerminators(t *testing.T) {
	input := "first\nsecond\rthird\r\nfourth"
	sc := bufio.NewScanner(bytes.NewBufferString(input))
	sc.Split(scanLinesOrCR)

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	want := []string{"first", "second", "third", "", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("got %d tokens %v, want %d tokens %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScanLinesOrCRFinalTokenWithoutTerminator(t *testing.T) {
	sc := bufio.NewScanner(bytes.NewBufferString("no terminator at all"))
	sc.Split(scanLinesOrCR)
	if !sc.Scan() {
		t.Fatal("expected one final token")
	}
	if sc.Text() != "no terminator at all" {
		t.Fatalf("got %q", sc.Text())
	}
	if sc.Scan() {
		t.Fatal("expected exactly one token")
	}
}
