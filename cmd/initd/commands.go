package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/initd/internal/auditlog"
	"github.com/loykin/initd/internal/config"
	"github.com/loykin/initd/internal/control"
	"github.com/loykin/initd/internal/history"
	"github.com/loykin/initd/internal/logger"
	"github.com/loykin/initd/internal/metrics"
	"github.com/loykin/initd/internal/supervisor"
)

const clientTimeout = 90 * time.Second

// GlobalFlags holds the persistent flags shared by all subcommands.
type GlobalFlags struct {
	ConfigPath string
	Socket     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "initd",
		Short: "UNIX-style init supervisor",
		Long: `initd launches, monitors and restarts a declared set of services
according to the configured runlevel.

Run with no arguments to start the supervisor. Use the switch and
manage subcommands to control a running supervisor over its control
socket.

Examples:
  initd                         # run as supervisor
  initd switch 3                # change runlevel
  initd manage status /usr/sbin/sshd`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervise(flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML settings file (optional)")
	root.PersistentFlags().StringVar(&flags.Socket, "socket", "", "control socket path (defaults from settings)")

	root.AddCommand(
		createSwitchCommand(flags),
		createManageCommand(flags),
	)
	return root
}

func runSupervise(flags *GlobalFlags) error {
	settings, err := config.LoadSettings(flags.ConfigPath)
	if err != nil {
		return err
	}
	log := logger.New(settings.Log)

	var sink history.Sink
	if settings.History != nil && settings.History.Enabled && settings.History.Path != "" {
		sink, err = history.OpenSQLite(settings.History.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() { _ = sink.Close() }()
	}

	if settings.Metrics != nil && settings.Metrics.Enabled {
		if err := metrics.RegisterDefault(); err != nil {
			log.Warn("metrics registration failed", "err", err)
		}
		if settings.Metrics.Listen != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if serr := http.ListenAndServe(settings.Metrics.Listen, mux); serr != nil {
					log.Error("metrics server stopped", "err", serr)
				}
			}()
		}
	}

	audit := auditlog.New(settings.AuditLog, auditlog.WithMaxSize(settings.MaxLogSize))
	sup := supervisor.New(supervisor.Options{
		Settings: settings,
		Logger:   log,
		Audit:    audit,
		History:  sink,
	})
	return sup.Run(context.Background())
}

func createSwitchCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <runlevel>",
		Short: "Switch the running supervisor to another runlevel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "invalid runlevel %q\n", args[0])
				os.Exit(2)
			}
			resp, err := control.Send(socketPath(flags), control.Request{Verb: control.VerbSwitch, Level: n}, clientTimeout)
			if err != nil {
				return err
			}
			if resp != control.RespOK {
				_, _ = fmt.Fprintln(os.Stderr, resp)
				os.Exit(2)
			}
			fmt.Println(resp)
			return nil
		},
	}
}

func createManageCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "manage {start|stop|status} <service>",
		Short: "Start, stop or query a declared service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verb := args[0]
			switch verb {
			case control.VerbStart, control.VerbStop, control.VerbStatus:
			default:
				return fmt.Errorf("unknown manage command %q", verb)
			}
			resp, err := control.Send(socketPath(flags), control.Request{Verb: verb, Name: args[1]}, clientTimeout)
			if err != nil {
				return err
			}
			fmt.Println(resp)
			if resp == control.RespNotFound || (verb != control.VerbStatus && resp != control.RespOK) {
				os.Exit(1)
			}
			return nil
		},
	}
}

func socketPath(flags *GlobalFlags) string {
	if flags.Socket != "" {
		return flags.Socket
	}
	settings, err := config.LoadSettings(flags.ConfigPath)
	if err != nil {
		return config.DefaultControlSocket
	}
	return settings.ControlSocket
}
