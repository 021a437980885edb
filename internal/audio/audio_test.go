package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestSilence(t *testing.T) {
	s := Silence(20)
	if len(s) != 160 {
		t.Fatalf("len(Silence(20)) = %d, want 160", len(s))
	}
	for i, b := range s {
		if b != MulawSilence {
			t.Fatalf("byte %d = %#x, want %#x", i, b, MulawSilence)
		}
	}
	if Silence(0) != nil {
		t.Fatalf("Silence(0) should be nil")
	}
}

func TestWriteMulawWAVHeader(t *testing.T) {
	payload := []byte{0xff, 0x7f, 0x00}
	var buf bytes.Buffer
	if err := WriteMulawWAV(&buf, payload); err != nil {
		t.Fatalf("WriteMulawWAV() error = %v", err)
	}
	b := buf.Bytes()
	if len(b) != HeaderSize+len(payload) {
		t.Fatalf("len = %d, want %d", len(b), HeaderSize+len(payload))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[38:42]) != "fact" || string(b[50:54]) != "data" {
		t.Fatalf("bad chunk ids: %q", b[:HeaderSize])
	}
	if size := binary.LittleEndian.Uint32(b[4:8]); size != uint32(len(b)-8) {
		t.Fatalf("RIFF size = %d, want %d", size, len(b)-8)
	}
	if format := binary.LittleEndian.Uint16(b[20:22]); format != formatMulaw {
		t.Fatalf("format = %d, want mulaw", format)
	}
	if sr := binary.LittleEndian.Uint32(b[24:28]); sr != TelephonySampleRate {
		t.Fatalf("sample rate = %d, want %d", sr, TelephonySampleRate)
	}
	if !bytes.Equal(b[HeaderSize:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteMulawWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.wav")
	if err := WriteMulawWAVFile(path, Silence(10)); err != nil {
		t.Fatalf("WriteMulawWAVFile() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != HeaderSize+80 {
		t.Fatalf("size = %d, want %d", info.Size(), HeaderSize+80)
	}
}
