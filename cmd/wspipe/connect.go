package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/risa-org/wspipe/logging"
	"github.com/risa-org/wspipe/session"
)

func newConnectCmd() *cobra.Command {
	var linger time.Duration

	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Connect and pipe stdin/stdout until interrupted or stdin ends",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}

			log, closer, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := session.New(cfg.URL, cfg.SessionOptions(log)...)
			subscribe(s, cmd.OutOrStdout(), log)
			defer s.Close()

			if err := s.Start(ctx); err != nil {
				if !cfg.Reconnect.Enabled {
					return fmt.Errorf("connect: %w", err)
				}
				log.Warn().Err(err).Dur("retry_in", cfg.Reconnect.Interval).Msg("initial connect failed")
			}

			return pump(ctx, s, cmd.InOrStdin(), linger, log)
		},
	}

	cmd.Flags().DurationVar(&linger, "linger", time.Second, "how long to wait for replies after stdin ends")
	return cmd
}

// subscribe prints received frames to out and logs lifecycle events.
func subscribe(s *session.Session, out io.Writer, log zerolog.Logger) {
	var mu sync.Mutex
	s.OnReceived(func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		out.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			out.Write([]byte{'\n'})
		}
	})
	s.OnConnected(func() { log.Info().Msg("connected") })
	s.OnReconnecting(func(err error) { log.Warn().Err(err).Msg("reconnect attempt failed") })
	s.OnKeepAlive(func() { log.Debug().Msg("keepalive") })
	s.OnClosed(func(ev session.CloseEvent) {
		if ev.Err != nil {
			log.Warn().Err(ev.Err).Stringer("reason", ev.Reason).Msg("connection lost")
			return
		}
		log.Info().Stringer("reason", ev.Reason).Msg("connection closed")
	})
}

// pump sends every non-empty line of in until ctx is done or in ends,
// then lingers for late replies.
func pump(ctx context.Context, s *session.Session, in io.Reader, linger time.Duration, log zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Warn().Err(err).Msg("reading stdin")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case <-ctx.Done():
				case <-time.After(linger):
				}
				return nil
			}
			if line == "" {
				continue
			}
			if err := s.Send(ctx, []byte(line)); err != nil {
				// the reconnect timer will bring the connection back
				log.Warn().Err(err).Msg("dropped line")
			}
		}
	}
}
