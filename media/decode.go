package media

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// maxFrameSamples covers a 40ms frame at 48kHz.
const maxFrameSamples = 1920

// OpusDecoder decodes inbound Opus frames to PCM for local playback. Not
// safe for concurrent use; each inbound audio track gets its own decoder.
type OpusDecoder struct {
	dec opus.Decoder
	buf []byte
}

// NewOpusDecoder creates a decoder for one inbound audio track.
func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{
		dec: opus.NewDecoder(),
		buf: make([]byte, maxFrameSamples*2),
	}
}

// Decode converts one Opus frame to little-endian int16 PCM samples and
// reports the sample rate derived from the frame's bandwidth.
func (d *OpusDecoder) Decode(frame []byte) ([]int16, uint32, error) {
	if len(frame) == 0 {
		return nil, 0, fmt.Errorf("empty audio frame")
	}

	bandwidth, isStereo, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, 0, fmt.Errorf("opus decode failed: %w", err)
	}

	sampleCount := len(d.buf) / 2
	if isStereo {
		sampleCount /= 2
	}
	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		pcm[i] = int16(d.buf[i*2]) | int16(d.buf[i*2+1])<<8
	}

	sampleRate := uint32(bandwidth.SampleRate())
	logrus.WithFields(logrus.Fields{
		"function":    "Decode",
		"frame_size":  len(frame),
		"samples":     sampleCount,
		"sample_rate": sampleRate,
		"stereo":      isStereo,
	}).Debug("Decoded inbound audio frame")

	return pcm, sampleRate, nil
}
