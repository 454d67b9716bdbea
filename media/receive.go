package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// AudioFrameHandler receives decoded PCM frames from a remote audio track.
type AudioFrameHandler func(pcm []int16, sampleRate uint32)

// RTPTrack is the reading surface of a remote track. Satisfied by
// *webrtc.TrackRemote.
type RTPTrack interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// AudioReceiver pulls Opus packets off one remote audio track and decodes
// them for playback.
type AudioReceiver struct {
	dec *OpusDecoder
	fn  AudioFrameHandler
}

// NewAudioReceiver creates a receiver that delivers decoded frames to fn.
func NewAudioReceiver(fn AudioFrameHandler) *AudioReceiver {
	return &AudioReceiver{
		dec: NewOpusDecoder(),
		fn:  fn,
	}
}

// Consume reads and decodes packets until the track ends. Undecodable frames
// are skipped. Run it on its own goroutine; it blocks between packets.
func (r *AudioReceiver) Consume(track RTPTrack) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Consume",
				"error":    err,
			}).Debug("Remote audio track ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, sampleRate, err := r.dec.Decode(pkt.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Consume",
				"error":    err,
			}).Warn("Skipping undecodable audio frame")
			continue
		}
		r.fn(pcm, sampleRate)
	}
}
