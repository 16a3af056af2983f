package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// Discord voice expects 48kHz stereo Opus in 20ms frames.
const (
	OpusSampleRate = 48000
	OpusChannels   = 2
	OpusFrameMS    = 20
)

// OpusPackets reads Opus packets out of an Ogg stream, one packet per page.
type OpusPackets struct {
	ogg *oggreader.OggReader
}

// NewOpusPackets consumes the OpusHead page and prepares to read audio.
func NewOpusPackets(r io.Reader) (*OpusPackets, error) {
	ogg, header, err := oggreader.NewWith(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if header.Channels == 0 {
		return nil, fmt.Errorf("%w: ogg stream has no channels", ErrUnreadable)
	}
	return &OpusPackets{ogg: ogg}, nil
}

// Next returns the next audio packet, skipping comment pages. It returns
// io.EOF at the end of the stream.
func (p *OpusPackets) Next() ([]byte, error) {
	for {
		payload, _, err := p.ogg.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if bytes.HasPrefix(payload, []byte("OpusTags")) || len(payload) == 0 {
			continue
		}
		return payload, nil
	}
}

// Transcoder is a running ffmpeg process converting a file to Ogg/Opus.
type Transcoder struct {
	*OpusPackets

	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// Transcode starts ffmpeg on path. The process stops when ctx is done or
// Close is called.
func (t Tools) Transcode(ctx context.Context, path string) (*Transcoder, error) {
	cmd := exec.CommandContext(ctx, t.ffmpeg(),
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-map", "0:a",
		"-c:a", "libopus",
		"-ar", fmt.Sprint(OpusSampleRate),
		"-ac", fmt.Sprint(OpusChannels),
		"-frame_duration", fmt.Sprint(OpusFrameMS),
		"-page_duration", fmt.Sprint(OpusFrameMS*1000),
		"-f", "ogg",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	packets, err := NewOpusPackets(stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	return &Transcoder{OpusPackets: packets, cmd: cmd, stdout: stdout}, nil
}

// Close stops ffmpeg and releases its pipe.
func (t *Transcoder) Close() error {
	_ = t.stdout.Close()
	if t.cmd.ProcessState == nil {
		_ = t.cmd.Process.Kill()
	}
	err := t.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
