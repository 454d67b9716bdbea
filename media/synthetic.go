package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// opusSilence is a standard Opus silence frame (TOC plus comfort noise).
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
)

// SyntheticDevice produces silent audio and, optionally, blank video frames.
// It stands in for real capture hardware in tests and headless deployments.
type SyntheticDevice struct {
	tracks []webrtc.TrackLocal
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSyntheticDevice creates a device with an audio track and, when withVideo
// is set, a video track. Frame writers run until Close.
func NewSyntheticDevice(withVideo bool) (*SyntheticDevice, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "synthetic-mic")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	d := &SyntheticDevice{
		tracks: []webrtc.TrackLocal{audio},
		stop:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.writeFrames(audio, opusSilence, audioFrameInterval)

	if withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "synthetic-cam")
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		d.tracks = append(d.tracks, video)
		d.wg.Add(1)
		go d.writeFrames(video, make([]byte, 32), videoFrameInterval)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSyntheticDevice",
		"video":    withVideo,
	}).Debug("Synthetic capture device created")
	return d, nil
}

// writeFrames pushes one frame per interval until the device closes. Write
// errors before the track is bound to a connection are expected and ignored.
func (d *SyntheticDevice) writeFrames(track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
	}
}

// Tracks returns the device's local tracks.
func (d *SyntheticDevice) Tracks() []webrtc.TrackLocal {
	return d.tracks
}

// Close stops the frame writers. Safe to call more than once.
func (d *SyntheticDevice) Close() error {
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()
		logrus.WithFields(logrus.Fields{
			"function": "Close",
		}).Debug("Synthetic capture device closed")
	})
	return nil
}

// SyntheticAcquirer hands out synthetic devices. The deny flags simulate
// platform permission prompts for tests and headless policy.
type SyntheticAcquirer struct {
	// DenyAll refuses every acquisition.
	DenyAll bool
	// DenyVideo refuses camera requests while still granting audio-only
	// acquisition.
	DenyVideo bool
}

// Acquire returns a synthetic device, honoring the deny flags.
func (a *SyntheticAcquirer) Acquire(_ context.Context, wantVideo bool) (Device, error) {
	if a.DenyAll {
		return nil, ErrPermissionDenied
	}
	if wantVideo && a.DenyVideo {
		return nil, ErrPermissionDenied
	}
	return NewSyntheticDevice(wantVideo)
}
