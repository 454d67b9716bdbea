package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticDeviceAudioOnly(t *testing.T) {
	dev, err := NewSyntheticDevice(false)
	require.NoError(t, err)
	defer dev.Close()

	tracks := dev.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
}

func TestSyntheticDeviceWithVideo(t *testing.T) {
	dev, err := NewSyntheticDevice(true)
	require.NoError(t, err)
	defer dev.Close()

	tracks := dev.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
}

func TestSyntheticDeviceCloseIdempotent(t *testing.T) {
	dev, err := NewSyntheticDevice(true)
	require.NoError(t, err)

	assert.NoError(t, dev.Close())
	assert.NoError(t, dev.Close())
}

func TestSyntheticAcquirerDenials(t *testing.T) {
	ctx := context.Background()

	all := &SyntheticAcquirer{DenyAll: true}
	_, err := all.Acquire(ctx, false)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Camera refusal still allows an audio-only acquisition
	video := &SyntheticAcquirer{DenyVideo: true}
	_, err = video.Acquire(ctx, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	dev, err := video.Acquire(ctx, false)
	require.NoError(t, err)
	defer dev.Close()
	assert.Len(t, dev.Tracks(), 1)
}

func TestOpusDecoderRejectsEmptyFrame(t *testing.T) {
	dec := NewOpusDecoder()
	_, _, err := dec.Decode(nil)
	assert.Error(t, err)
}

func TestOpusDecoderSilenceFrame(t *testing.T) {
	dec := NewOpusDecoder()
	pcm, sampleRate, err := dec.Decode(opusSilence)
	require.NoError(t, err)
	assert.NotEmpty(t, pcm)
	assert.NotZero(t, sampleRate)
}
