package commands

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Duet/internal/adapters/media"
	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/dkeye/Duet/internal/app/coord"
	"github.com/dkeye/Duet/internal/app/negotiation"
	"github.com/dkeye/Duet/internal/app/session"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/core"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Join a relay as one side of a session; stdin lines are sent as chat",
		RunE:  runAgent,
	}
	cmd.Flags().String("relay-url", "", "relay WebSocket url")
	cmd.Flags().String("video", "", "IVF (VP8) file used as the camera")
	cmd.Flags().String("audio", "", "Ogg (Opus) file used as the microphone")
	cmd.Flags().String("record-dir", "", "directory for the remote recordings")
	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	cfg, err := loadConfig(cmd,
		config.WithFlag("agent.relay_url", flags.Lookup("relay-url")),
		config.WithFlag("agent.video_file", flags.Lookup("video")),
		config.WithFlag("agent.audio_file", flags.Lookup("audio")),
		config.WithFlag("agent.record_dir", flags.Lookup("record-dir")),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	ac := cfg.Agent

	ch, err := signal.Dial(ctx, ac.RelayURL, signal.Options{DialTimeout: ac.DialTimeout, SendQueue: cfg.SendQueue})
	if err != nil {
		log.Error().Err(err).Str("relay", ac.RelayURL).Msg("dial relay")
		return err
	}

	factory := rtc.NewFactory(rtc.NewAPI(), rtc.Settings{
		ICEServers:    ac.ICEServers,
		BundlePolicy:  ac.BundlePolicy,
		RTCPMuxPolicy: ac.RTCPMuxPolicy,
	}, "agent")
	recorder := media.NewRecorder(ac.RecordDir)
	constraints := core.Constraints{
		Audio: true,
		Video: &core.VideoConstraints{
			Width:        ac.Video.Width,
			Height:       ac.Video.Height,
			MaxFrameRate: ac.Video.MaxFrameRate,
			AspectRatio:  ac.Video.AspectRatio,
			FacingMode:   ac.Video.FacingMode,
			ResizeMode:   ac.Video.ResizeMode,
			BitrateBps:   ac.Video.Bitrate,
		},
	}
	c := coord.New(factory, &media.FileCapturer{VideoPath: ac.VideoFile, AudioPath: ac.AudioFile}, recorder, constraints)

	s := session.New(ch, c, session.Options{
		RoleRequest:        negotiation.RoleRequest{Attempts: ac.StartAttempts, Timeout: ac.StartTimeout},
		NegotiationTimeout: ac.NegotiationTimeout,
		Annotator:          negotiation.BandwidthCap{KBps: ac.BandwidthKbps},
	})
	s.Subscribe(newPresenter(cmd.OutOrStdout()).Render)

	go readLines(ctx, cmd.InOrStdin(), s)

	err = s.Run(ctx)
	recorder.Wait()
	if err != nil {
		log.Error().Err(err).Msg("session ended")
		return err
	}
	return nil
}

// readLines forwards each stdin line as chat text until ctx ends or the
// session closes.
func readLines(ctx context.Context, in io.Reader, s *session.Session) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		_, err := s.SendText(ctx, scanner.Text())
		switch {
		case errors.Is(err, session.ErrClosed), ctx.Err() != nil:
			return
		case err != nil:
			log.Warn().Err(err).Msg("send text")
		}
	}
}
