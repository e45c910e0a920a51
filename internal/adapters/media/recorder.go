package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
)

const (
	VideoFileName = "remote-video.ivf"
	AudioFileName = "remote-audio.ogg"

	opusSampleRate = 48000
	opusChannels   = 2
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Recorder is a core.Presenter that writes remote tracks to Dir. With an
// empty Dir packets are only counted.
type Recorder struct {
	Dir string

	mu      sync.Mutex
	packets map[webrtc.RTPCodecType]*atomic.Uint64
	wg      sync.WaitGroup
}

var _ core.Presenter = (*Recorder)(nil)

func NewRecorder(dir string) *Recorder {
	return &Recorder{
		Dir: dir,
		packets: map[webrtc.RTPCodecType]*atomic.Uint64{
			webrtc.RTPCodecTypeAudio: {},
			webrtc.RTPCodecTypeVideo: {},
		},
	}
}

// OnRemoteTrack records track until it ends or ctx is done.
func (r *Recorder) OnRemoteTrack(ctx context.Context, track *webrtc.TrackRemote) {
	mime := track.Codec().MimeType
	r.Record(ctx, track.Kind(), mime, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}

// Record drains read into a file chosen by mime type.
func (r *Recorder) Record(ctx context.Context, kind webrtc.RTPCodecType, mime string, read func() (*rtp.Packet, error)) {
	r.wg.Add(1)
	defer r.wg.Done()
	logger := log.With().Str("module", "agent.recorder").Str("kind", kind.String()).Str("mime", mime).Logger()

	w, err := r.writerFor(mime)
	if err != nil {
		logger.Error().Err(err).Msg("open recording, packets will be discarded")
	}
	if w != nil {
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn().Err(err).Msg("close recording")
			}
		}()
	}
	logger.Info().Msg("remote track started")
	r.loop(ctx, kind, read, w, &logger)
}

// loop reads RTP packets from the remote track until it ends.
func (r *Recorder) loop(ctx context.Context, kind webrtc.RTPCodecType, read func() (*rtp.Packet, error), w rtpWriter, logger *zerolog.Logger) {
	counter := r.counter(kind)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Uint64("packets", counter.Load()).Msg("recording ctx done")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Uint64("packets", counter.Load()).Msg("remote track ended")
			} else {
				logger.Error().Err(err).Msg("read RTP error, stopping")
			}
			return
		}
		counter.Add(1)
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("write RTP error, discarding from now on")
			w = nil
		}
	}
}

func (r *Recorder) counter(kind webrtc.RTPCodecType) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.packets[kind]
	if !ok {
		c = &atomic.Uint64{}
		r.packets[kind] = c
	}
	return c
}

func (r *Recorder) writerFor(mime string) (rtpWriter, error) {
	if r.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, err
	}
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(filepath.Join(r.Dir, VideoFileName))
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		w, err := oggwriter.New(filepath.Join(r.Dir, AudioFileName), opusSampleRate, opusChannels)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, ErrUnsupportedFormat
}

// Packets returns how many packets of kind were received.
func (r *Recorder) Packets(kind webrtc.RTPCodecType) uint64 {
	return r.counter(kind).Load()
}

// Wait blocks until every recording has finished.
func (r *Recorder) Wait() { r.wg.Wait() }
