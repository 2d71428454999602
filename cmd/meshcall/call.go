package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bartaai/meshcall/internal/config"
	"github.com/bartaai/meshcall/internal/httpapi"
	"github.com/bartaai/meshcall/internal/logging"
	"github.com/bartaai/meshcall/internal/session"
	"github.com/bartaai/meshcall/internal/ui"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var (
	flagName    string
	flagNoTUI   bool
	flagLogFile string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a new room and print its invite link",
	Example: `  meshcall create --name Alice --video cam.h264 --audio mic.ogg
  meshcall create --name Alice --http :8090 --no-tui`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context(), func(ctx context.Context, cfg *config.Config) (*session.Session, error) {
			return session.Create(ctx, cfg, flagName)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <invite>",
	Short: "Join a room from an invite link or room id",
	Example: `  meshcall join "http://localhost:5173?roomId=3f6c..." --name Bob
  meshcall join 3f6c... --name Bob --record ./recordings`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := session.ParseInvite(args[0])
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), func(ctx context.Context, cfg *config.Config) (*session.Session, error) {
			return session.Join(ctx, cfg, roomID, flagName)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{createCmd, joinCmd} {
		f := c.Flags()
		f.StringVarP(&flagName, "name", "n", "", "display name shown to other participants")
		f.StringVar(&opts.VideoFile, "video", "", "H264 Annex-B file used as the camera")
		f.StringVar(&opts.AudioFile, "audio", "", "Ogg Opus file used as the microphone")
		f.StringVar(&opts.RecordDir, "record", "", "directory receiving one file per remote track")
		f.StringVar(&opts.HTTPAddr, "http", "", "serve the control API on this address")
		f.BoolVar(&flagNoTUI, "no-tui", false, "log to stderr and wait for SIGINT instead of the room view")
		f.StringVar(&flagLogFile, "log-file", "", "write logs here while the room view is open")
		_ = c.MarkFlagRequired("name")
	}
	rootCmd.AddCommand(createCmd, joinCmd)
}

func runCall(parent context.Context, start func(context.Context, *config.Config) (*session.Session, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logOut, err := openLogOutput()
	if err != nil {
		return err
	}
	defer logOut.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := start(ctx, cfg)
	if err != nil {
		return err
	}

	if !sess.SignalingOpen() {
		ui.PrintError("signaling relay unreachable, nobody can join this room")
	}
	fmt.Printf("%s Room %s\n%s %s\n\n", ui.IconSuccess, sess.RoomID(), ui.IconLink, sess.InviteURL())

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = serveAPI(cfg.HTTPAddr, sess)
	}

	if flagNoTUI {
		<-ctx.Done()
	} else {
		logging.InitWriter(logOut, cfg.LogLevel)
		err := ui.RunRoom(ctx, sess)
		logging.Init(cfg.LogLevel)
		if err != nil {
			log.Error().Err(err).Msg("room view failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control API forced to shut down")
		}
	}
	if err := sess.Leave(shutdownCtx); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	ui.PrintSuccess("Left the room")
	return nil
}

func serveAPI(addr string, sess *session.Session) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewHandler(sess).NewRouter(),
	}
	go func() {
		log.Info().Str("addr", addr).Msg("serving control API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("control API stopped")
		}
	}()
	return srv
}

// openLogOutput returns where logs go while the room view owns the
// terminal: the --log-file or nowhere.
func openLogOutput() (io.WriteCloser, error) {
	if flagLogFile == "" {
		return nopCloser{io.Discard}, nil
	}
	f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
