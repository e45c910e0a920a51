// Package media captures local tracks from files and records remote tracks.
//
// Files stand in for devices: an IVF (VP8) file is the camera and an Ogg
// (Opus) file is the microphone. Both loop until the stream is released.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

const (
	streamID      = "duet"
	vp8FourCC     = "VP80"
	oggPageLength = 20 * time.Millisecond
)

var ErrUnsupportedFormat = errors.New("unsupported media format")

// FileCapturer implements core.Capturer over local files.
type FileCapturer struct {
	VideoPath string
	AudioPath string
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

var _ core.Capturer = (*FileCapturer)(nil)

func (f *FileCapturer) Acquire(ctx context.Context, c core.Constraints) (core.MediaStream, error) {
	base := log.Logger
	if f.Logger != nil {
		base = *f.Logger
	}
	logger := base.With().Str("module", "agent.media").Logger()
	stream := &fileStream{}
	var errs []error

	if c.Video != nil {
		t, err := openVideo(f.VideoPath, logger)
		if err != nil {
			errs = append(errs, &domain.DeviceError{Kind: "video", Err: err})
		} else {
			stream.tracks = append(stream.tracks, t)
		}
	}
	if c.Audio {
		t, err := openAudio(f.AudioPath, logger)
		if err != nil {
			errs = append(errs, &domain.DeviceError{Kind: "audio", Err: err})
		} else {
			stream.tracks = append(stream.tracks, t)
		}
	}

	err := errors.Join(errs...)
	if len(stream.tracks) == 0 {
		if err == nil {
			err = &domain.DeviceError{Kind: "any", Err: domain.ErrNoDevice}
		}
		return nil, err
	}
	for _, t := range stream.tracks {
		t.start(ctx)
	}
	logger.Info().Int("tracks", len(stream.tracks)).Msg("capture started")
	return stream, err
}

func openFile(path string) (*os.File, error) {
	if path == "" {
		return nil, domain.ErrNoDevice
	}
	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", domain.ErrNoDevice, path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, path)
	case err != nil:
		return nil, err
	}
	return file, nil
}

type fileStream struct {
	tracks []*fileTrack
	once   sync.Once
}

func (s *fileStream) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fileStream) Release() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// fileTrack replays one file into a sample track.
type fileTrack struct {
	kind   webrtc.RTPCodecType
	local  *webrtc.TrackLocalStaticSample
	logger zerolog.Logger

	width, height int
	// next returns the next sample; it rewinds at end of file.
	next func() (media.Sample, error)

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	closer   io.Closer
}

func (t *fileTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fileTrack) Local() webrtc.TrackLocal { return t.local }

// ApplyConstraints lowers the frame rate. Files are already encoded, so a
// bitrate cap is logged and skipped, and a resolution other than the
// source's is reported as an error after the frame rate has been applied.
func (t *fileTrack) ApplyConstraints(v core.VideoConstraints) error {
	if t.kind != webrtc.RTPCodecTypeVideo {
		return nil
	}
	t.mu.Lock()
	if v.MaxFrameRate > 0 {
		ceiling := time.Duration(float64(time.Second) / v.MaxFrameRate)
		if ceiling > t.interval {
			t.interval = ceiling
		}
	}
	interval := t.interval
	t.mu.Unlock()
	t.logger.Debug().Dur("interval", interval).Msg("frame interval")
	if v.BitrateBps > 0 {
		t.logger.Warn().Int("bitrate", v.BitrateBps).Msg("bitrate cap not applied to encoded source")
	}

	if (v.Width > 0 && v.Width != t.width) || (v.Height > 0 && v.Height != t.height) {
		return fmt.Errorf("source is %dx%d, cannot %s to %dx%d", t.width, t.height, v.ResizeMode, v.Width, v.Height)
	}
	return nil
}

func (t *fileTrack) frameInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *fileTrack) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()
	go t.pump(ctx)
}

func (t *fileTrack) pump(ctx context.Context) {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		sample, err := t.next()
		if err != nil {
			t.logger.Error().Err(err).Msg("read sample, stopping")
			return
		}
		if sample.Duration == 0 {
			sample.Duration = t.frameInterval()
		}
		if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Warn().Err(err).Msg("write sample")
		}
		timer.Reset(sample.Duration)
	}
}

// Stop ends the replay and closes the file. Safe to call more than once.
func (t *fileTrack) Stop() {
	t.mu.Lock()
	cancel, done, closer := t.cancel, t.done, t.closer
	t.cancel, t.closer = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if closer != nil {
		_ = closer.Close()
	}
}

func openVideo(path string, logger zerolog.Logger) (*fileTrack, error) {
	file, err := openFile(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if header.FourCC != vp8FourCC {
		_ = file.Close()
		return nil, fmt.Errorf("%w: fourcc %q", ErrUnsupportedFormat, header.FourCC)
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	interval := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	t := &fileTrack{
		kind:     webrtc.RTPCodecTypeVideo,
		local:    local,
		logger:   logger.With().Str("kind", "video").Str("file", path).Logger(),
		width:    int(header.Width),
		height:   int(header.Height),
		interval: interval,
		closer:   file,
	}
	t.next = func() (media.Sample, error) {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return media.Sample{}, err
			}
			if reader, _, err = ivfreader.NewWith(file); err != nil {
				return media.Sample{}, err
			}
			frame, _, err = reader.ParseNextFrame()
		}
		if err != nil {
			return media.Sample{}, err
		}
		return media.Sample{Data: frame, Duration: t.frameInterval()}, nil
	}
	return t, nil
}

func openAudio(path string, logger zerolog.Logger) (*fileTrack, error) {
	file, err := openFile(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	t := &fileTrack{
		kind:     webrtc.RTPCodecTypeAudio,
		local:    local,
		logger:   logger.With().Str("kind", "audio").Str("file", path).Logger(),
		interval: oggPageLength,
		closer:   file,
	}
	var lastGranule uint64
	t.next = func() (media.Sample, error) {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return media.Sample{}, err
			}
			if reader, _, err = oggreader.NewWith(file); err != nil {
				return media.Sample{}, err
			}
			lastGranule = 0
			page, header, err = reader.ParseNextPage()
		}
		if err != nil {
			return media.Sample{}, err
		}
		// Granule positions count 48kHz samples.
		duration := oggPageLength
		if header.GranulePosition > lastGranule && lastGranule > 0 {
			duration = time.Duration(header.GranulePosition-lastGranule) * time.Second / 48000
		}
		lastGranule = header.GranulePosition
		return media.Sample{Data: page, Duration: duration}, nil
	}
	return t, nil
}
