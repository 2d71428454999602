package main

import (
	"os"

	"github.com/bartaai/meshcall/internal/config"
	"github.com/bartaai/meshcall/internal/logging"
	"github.com/bartaai/meshcall/internal/ui"

	"github.com/spf13/cobra"
)

var opts config.Options

var rootCmd = &cobra.Command{
	Use:   "meshcall",
	Short: "Peer-to-peer group calls over a WebRTC mesh",
	Long: `meshcall joins a room through a signaling relay and opens one WebRTC
connection to every other participant. Local media is read from files
standing in for a camera and microphone.`,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.SignalURL, "signal", "", "signaling relay WebSocket URL")
	f.StringVar(&opts.BaseURL, "base-url", "", "page the invite link points at")
	f.StringVar(&opts.STUNServer, "stun", "", "STUN server URL")
	f.StringVar(&opts.TURNServer, "turn", "", "TURN server host or URL")
	f.StringVar(&opts.TURNUser, "turn-user", "", "TURN username")
	f.StringVar(&opts.TURNPass, "turn-pass", "", "TURN password")
	f.BoolVar(&opts.ForceRelay, "relay", false, "only use TURN relay candidates")
	f.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn, error or off")
}

// loadConfig resolves flags against the environment and installs the
// console logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogLevel)
	return cfg, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
