package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// WriteWAVPCM16LETo writes raw interleaved PCM16LE samples to out as a WAV
// stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate, channels int) error {
	const bitsPerSample = 16
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}

	dataSize := uint32(len(pcm))
	blockAlign := uint16(channels * bitsPerSample / 8)
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'}, uint32(36) + dataSize, [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(16),
		uint16(1), // PCM
		uint16(channels),
		uint32(sampleRate),
		uint32(sampleRate) * uint32(blockAlign),
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'}, dataSize,
	}

	w := bufio.NewWriter(out)
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// Format tags whose byte rate follows from the sample layout.
const (
	wavFormatPCM        = 0x0001
	wavFormatFloat      = 0x0003
	wavFormatExtensible = 0xFFFE
)

var errWAVHeader = errors.New("inconsistent wav header")

type wavFormat struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// byteRate derives the data rate from the sample layout and checks it
// against the rate the header declares.
func (f wavFormat) byteRate() (uint64, error) {
	switch f.Format {
	case wavFormatPCM, wavFormatFloat, wavFormatExtensible:
	default:
		return 0, fmt.Errorf("%w: unsupported format tag %#x", errWAVHeader, f.Format)
	}
	if f.Channels == 0 || f.SampleRate == 0 || f.BitsPerSample == 0 || f.BitsPerSample%8 != 0 {
		return 0, fmt.Errorf("%w: empty sample layout", errWAVHeader)
	}
	align := uint64(f.Channels) * uint64(f.BitsPerSample) / 8
	rate := uint64(f.SampleRate) * align
	if uint64(f.BlockAlign) != align || uint64(f.ByteRate) != rate {
		return 0, fmt.Errorf("%w: byte rate %d, block align %d, want %d and %d",
			errWAVHeader, f.ByteRate, f.BlockAlign, rate, align)
	}
	return rate, nil
}

// WAVDuration reads a WAV header and returns the playback length of its data
// chunk without decoding samples. Headers whose declared rates disagree with
// their sample layout are rejected.
func WAVDuration(r io.Reader) (time.Duration, error) {
	var riff struct {
		ID   [4]byte
		Size uint32
		Form [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return 0, errNotWAV
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Form[:]) != "WAVE" {
		return 0, errNotWAV
	}

	var rate uint64
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return 0, fmt.Errorf("read wav chunk: %w", err)
		}
		// Chunks are word aligned.
		padded := int64(chunk.Size) + int64(chunk.Size%2)

		switch string(chunk.ID[:]) {
		case "fmt ":
			const fmtSize = 16
			if chunk.Size < fmtSize {
				return 0, fmt.Errorf("%w: fmt chunk of %d bytes", errWAVHeader, chunk.Size)
			}
			var f wavFormat
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return 0, fmt.Errorf("read wav fmt: %w", err)
			}
			var err error
			if rate, err = f.byteRate(); err != nil {
				return 0, err
			}
			if _, err := io.CopyN(io.Discard, r, padded-fmtSize); err != nil {
				return 0, fmt.Errorf("skip wav fmt: %w", err)
			}
		case "data":
			if rate == 0 {
				return 0, fmt.Errorf("%w: data chunk before fmt chunk", errWAVHeader)
			}
			return time.Duration(uint64(chunk.Size) * uint64(time.Second) / rate), nil
		default:
			if _, err := io.CopyN(io.Discard, r, padded); err != nil {
				return 0, fmt.Errorf("skip wav chunk %q: %w", string(chunk.ID[:]), err)
			}
		}
	}
}
