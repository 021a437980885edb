package audio

import (
	"encoding/binary"
	"io"
	"os"
)

// TelephonySampleRate is the rate of Twilio media stream audio.
const TelephonySampleRate = 8000

// MulawSilence is the mulaw byte for zero amplitude.
const MulawSilence byte = 0xff

const (
	formatMulaw = 7
	factChunk   = 4
)

// Silence returns ms milliseconds of 8 kHz mulaw silence.
func Silence(ms int) []byte {
	if ms <= 0 {
		return nil
	}
	out := make([]byte, ms*TelephonySampleRate/1000)
	for i := range out {
		out[i] = MulawSilence
	}
	return out
}

// mulawWAVHeader is a non-PCM WAV header: an extended fmt chunk plus the
// fact chunk that non-PCM formats require.
type mulawWAVHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	ExtraSize     uint16
	Fact          [4]byte
	FactSize      uint32
	SampleLength  uint32
	Data          [4]byte
	DataSize      uint32
}

// HeaderSize is the number of bytes WriteMulawWAV puts before the samples.
const HeaderSize = 58

// WriteMulawWAV wraps 8 kHz mono mulaw bytes in a WAV container as-is.
func WriteMulawWAV(out io.Writer, mulaw []byte) error {
	n := uint32(len(mulaw))
	h := mulawWAVHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     HeaderSize - 8 + n,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       18,
		AudioFormat:   formatMulaw,
		NumChannels:   1,
		SampleRate:    TelephonySampleRate,
		ByteRate:      TelephonySampleRate,
		BlockAlign:    1,
		BitsPerSample: 8,
		Fact:          [4]byte{'f', 'a', 'c', 't'},
		FactSize:      factChunk,
		SampleLength:  n,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      n,
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(mulaw)
	return err
}

// WriteMulawWAVFile saves call audio as a playable WAV file.
func WriteMulawWAVFile(path string, mulaw []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteMulawWAV(f, mulaw); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
