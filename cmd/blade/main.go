// blade is the Tractor render-farm remote execution agent: it requests
// task assignments from an engine, launches them under the target job
// owner's identity, reports exit status, and advertises capacity via a
// small control listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tractor-project/blade/internal/runner"
)

var version = "0.1.0"

func main() {
	var (
		logLevel  string
		logJSON   bool
		cfgFile   string
	)

	rootCmd := &cobra.Command{
		Use:     "blade",
		Short:   "Tractor render-farm remote execution agent",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit structured JSON logs instead of human-readable text")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a blade config file (yaml/json/toml, overlaid under CLI flags)")

	rootCmd.AddCommand(
		newRunCmd(&logLevel, &logJSON, &cfgFile),
		newVersionCmd(),
		newCheckpointCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string, asJSON bool) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "blade",
		Level:      hclog.LevelFromString(level),
		JSONFormat: asJSON,
		Output:     os.Stderr,
	})
}

// newRunCmd wires every §6.4 flag into runner.Config, overlaying a viper
// config file (if --config is given) underneath the CLI flags so a site
// can pin defaults without editing invocation scripts.
func newRunCmd(logLevel *string, logJSON *bool, cfgFile *string) *cobra.Command {
	var (
		engine         string
		listen         string
		hname          string
		slots          int
		nimby          string
		supersede      bool
		daemon         bool
		pidfile        string
		minSleep       time.Duration
		maxSleep       time.Duration
		killDelay      time.Duration
		noSigint       bool
		profileName    string
		noAutoUpdate   bool
		skipCheckpoint bool
		logEnv         bool
		cmdTee         bool
		zone           string
		tethered       bool
		appTempDir     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the blade agent in the foreground",
		RunE: func(cc *cobra.Command, args []string) error {
			v := viper.New()
			if *cfgFile != "" {
				v.SetConfigFile(*cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", *cfgFile, err)
				}
			}
			overlayString(v, "engine", &engine)
			overlayString(v, "listen", &listen)
			overlayString(v, "hname", &hname)
			overlayInt(v, "slots", &slots)
			overlayString(v, "nimby", &nimby)
			overlayString(v, "profile", &profileName)
			overlayString(v, "zone", &zone)

			logger := newLogger(*logLevel, *logJSON)

			if pidfile != "" {
				if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
					logger.Warn("pidfile write failed", "path", pidfile, "err", err)
				}
				defer os.Remove(pidfile)
			}

			host, port, useTLS := parseEngine(engine)
			iface, listenPort := parseListen(listen)

			cfg := runner.Config{
				EngineHost: host,
				EnginePort: port,
				EngineTLS:  useTLS,

				ListenIface: iface,
				ListenPort:  listenPort,

				HName: hname,
				Slots: slots,

				NimbyOverride: nimby,

				Supersede:      supersede,
				SkipCheckpoint: skipCheckpoint,
				NoAutoUpdate:   noAutoUpdate,
				LogEnv:         logEnv,
				CmdTee:         cmdTee,

				MinSleep:  minSleep,
				MaxSleep:  maxSleep,
				KillDelay: killDelay,
				NoSigint:  noSigint,

				ProfileOverride: profileName,
				DirmapZone:      zone,

				AppTempDir: appTempDir,
				Version:    version,
			}
			_ = tethered // reserved for the --tethered exit-62 path; no lost-tether watchdog wired yet

			r := runner.New(cfg, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("signal received, draining")
				cancel()
			}()

			if err := r.Run(ctx); err != nil {
				logger.Error("blade exited with error", "err", err)
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&engine, "engine", "tractor-engine:80", "Engine host[:port], optionally https:// for TLS")
	cmd.Flags().StringVar(&listen, "listen", "0", "[iface:]port to listen on; 0 lets the OS choose")
	cmd.Flags().StringVar(&hname, "hname", ".", "Override advertised hostname; '.' uses the probed hostname")
	cmd.Flags().IntVar(&slots, "slots", -1, "Slot count: 0=detected CPU count, -1=defer to profile, N=fixed")
	cmd.Flags().StringVar(&nimby, "nimby", "0", "Not-in-my-backyard override: user|0|1")
	cmd.Flags().BoolVar(&supersede, "supersede", false, "Take over an already-running blade's listener port")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Detach and run in the background (no-op here; use your init system)")
	cmd.Flags().StringVar(&pidfile, "pidfile", "", "Write this process's PID to the given file")
	cmd.Flags().DurationVar(&minSleep, "minsleep", 1*time.Second, "Minimum backoff between task requests")
	cmd.Flags().DurationVar(&maxSleep, "maxsleep", 60*time.Second, "Maximum backoff between task requests")
	cmd.Flags().DurationVar(&killDelay, "killdelay", 2*time.Second, "Delay between kill-escalation steps")
	cmd.Flags().BoolVar(&noSigint, "no-sigint", false, "Skip the SIGINT step of kill escalation")
	cmd.Flags().StringVar(&profileName, "profile", "", "Force a specific named profile instead of host-matching")
	cmd.Flags().BoolVar(&noAutoUpdate, "no-auto-update", false, "Disable the VersionPin auto-update path")
	cmd.Flags().BoolVar(&skipCheckpoint, "skip-checkpoint", false, "Disable checkpoint persistence and recovery")
	cmd.Flags().BoolVar(&logEnv, "logenv", false, "Log the full subprocess environment at launch")
	cmd.Flags().BoolVar(&cmdTee, "cmdtee", false, "Tee subprocess output to this process's own stdout/stderr")
	cmd.Flags().StringVar(&zone, "zone", "", "Override the active profile's dirmap zone")
	cmd.Flags().BoolVar(&tethered, "tethered", false, "Exit 62 if the engine tether is lost (reserved)")
	cmd.Flags().StringVar(&appTempDir, "app-temp-dir", "", "Base directory for checkpoint/pidfile state")
	_ = daemon

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the blade version",
		RunE: func(cc *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newCheckpointCmd() *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect persisted checkpoint state",
	}

	var path string
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a checkpoint file's contents as formatted JSON",
		RunE: func(cc *cobra.Command, args []string) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read checkpoint: %w", err)
			}
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse checkpoint: %w", err)
			}
			out, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	inspectCmd.Flags().StringVar(&path, "file", "", "Path to a chkpt.*.json file")
	_ = inspectCmd.MarkFlagRequired("file")

	checkpointCmd.AddCommand(inspectCmd)
	return checkpointCmd
}

func parseEngine(s string) (host string, port int, useTLS bool) {
	useTLS = strings.HasPrefix(s, "https://")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		port = 80
		return
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		port = 80
	}
	return
}

func parseListen(s string) (iface string, port int) {
	if i, pStr, err := net.SplitHostPort(s); err == nil {
		iface = i
		port, _ = strconv.Atoi(pStr)
		return
	}
	port, _ = strconv.Atoi(s)
	return "", port
}

func overlayString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func overlayInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}
