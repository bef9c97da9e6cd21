// Command ohcisim boots the OHCI driver against an emulated controller
// with loopback devices attached and exercises it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/softohci/pkg"
	"github.com/ardnew/softohci/pkg/prof"
)

const (
	VERSION = "v0.1.0"
	appName = "ohcisim"
)

func newApp() *cli.App {
	var (
		cfg       simConfig
		logLevel  string
		logFormat string
		profiles  prof.Config
		session   *prof.Session
	)

	app := cli.NewApp()
	app.Name = appName
	app.Version = VERSION
	app.Usage = "Drive a software OHCI host controller with emulated loopback devices"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			EnvVars:     []string{"OHCISIM_LOG_LEVEL"},
			Value:       "warn",
			Destination: &logLevel,
			Usage:       "Log level: debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:        "log-format",
			EnvVars:     []string{"OHCISIM_LOG_FORMAT"},
			Value:       "text",
			Destination: &logFormat,
			Usage:       "Log format: text or json",
		},
		&cli.IntFlag{
			Name:        "ports",
			EnvVars:     []string{"OHCISIM_PORTS"},
			Value:       2,
			Destination: &cfg.Ports,
			Usage:       "Number of root hub ports",
		},
		&cli.DurationFlag{
			Name:        "frame",
			EnvVars:     []string{"OHCISIM_FRAME"},
			Value:       100 * time.Microsecond,
			Destination: &cfg.Frame,
			Usage:       "Wall-clock length of an emulated frame",
		},
		&cli.DurationFlag{
			Name:        "settle",
			EnvVars:     []string{"OHCISIM_SETTLE"},
			Value:       time.Millisecond,
			Destination: &cfg.Settle,
			Usage:       "Time given to the controller to leave a skipped endpoint",
		},
		&cli.DurationFlag{
			Name:        "port-reset",
			EnvVars:     []string{"OHCISIM_PORT_RESET"},
			Value:       time.Millisecond,
			Destination: &cfg.Reset,
			Usage:       "Port reset signalling time",
		},
		&cli.DurationFlag{
			Name:        "rhsc-interval",
			EnvVars:     []string{"OHCISIM_RHSC_INTERVAL"},
			Value:       10 * time.Millisecond,
			Destination: &cfg.RHSC,
			Usage:       "Minimum time between root hub status change interrupts",
		},
		&cli.DurationFlag{
			Name:        "timeout",
			EnvVars:     []string{"OHCISIM_TIMEOUT"},
			Value:       5 * time.Second,
			Destination: &cfg.Timeout,
			Usage:       "Per-transfer timeout",
		},
		&cli.StringFlag{
			Name:        "cpu-profile",
			EnvVars:     []string{"OHCISIM_CPU_PROFILE"},
			Destination: &profiles.CPU,
			Usage:       "Write a CPU profile to this file",
		},
		&cli.StringFlag{
			Name:        "heap-profile",
			EnvVars:     []string{"OHCISIM_HEAP_PROFILE"},
			Destination: &profiles.Heap,
			Usage:       "Write a heap profile to this file on exit",
		},
		&cli.StringFlag{
			Name:        "mutex-profile",
			EnvVars:     []string{"OHCISIM_MUTEX_PROFILE"},
			Destination: &profiles.Mutex,
			Usage:       "Sample lock contention and write the profile to this file on exit",
		},
	}

	app.Before = func(c *cli.Context) error {
		level, err := pkg.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
		format, err := pkg.ParseLogFormat(logFormat)
		if err != nil {
			return err
		}
		pkg.SetLogFormat(format)
		pkg.SetLogLevel(level)

		if profiles.Enabled() {
			session, err = prof.Start(profiles)
			return err
		}
		return nil
	}
	app.After = func(c *cli.Context) error {
		if session == nil {
			return nil
		}
		return session.Stop()
	}

	devicesFlag := &cli.IntFlag{
		Name:    "devices",
		Aliases: []string{"n"},
		Value:   1,
		Usage:   "Number of loopback devices to attach",
	}

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "Exercise every transfer type on the attached devices",
			Flags: []cli.Flag{
				devicesFlag,
				&cli.DurationFlag{
					Name:  "duration",
					Value: 5 * time.Second,
					Usage: "How long to run; zero runs until interrupted",
				},
				&cli.DurationFlag{
					Name:  "stats",
					Value: time.Second,
					Usage: "Interval between statistics log lines; zero disables them",
				},
			},
			Action: func(c *cli.Context) error {
				return runCommand(c.Context, c.App.Writer, cfg,
					c.Int("devices"), c.Duration("duration"), c.Duration("stats"))
			},
		},
		{
			Name:  "enumerate",
			Usage: "Attach devices and print what the host found",
			Flags: []cli.Flag{devicesFlag},
			Action: func(c *cli.Context) error {
				return enumerateCommand(c.Context, c.App.Writer, cfg, c.Int("devices"))
			},
		},
		{
			Name:  "bench",
			Usage: "Measure bulk loopback throughput",
			Flags: []cli.Flag{
				devicesFlag,
				&cli.IntFlag{Name: "size", Value: 4096, Usage: "Bytes per round trip"},
				&cli.IntFlag{Name: "count", Value: 100, Usage: "Round trips per device"},
			},
			Action: func(c *cli.Context) error {
				return benchCommand(c.Context, c.App.Writer, cfg,
					c.Int("devices"), c.Int("size"), c.Int("count"))
			},
		},
		{
			Name:  "tree",
			Usage: "Open interrupt endpoints and print their placement in the schedule",
			Flags: []cli.Flag{
				&cli.IntSliceFlag{
					Name:  "interval",
					Value: cli.NewIntSlice(1, 2, 8, 8, 8, 8, 32, 255),
					Usage: "Polling interval of each endpoint in ms",
				},
				&cli.IntFlag{Name: "maxp", Value: 8, Usage: "Max packet size of each endpoint"},
			},
			Action: func(c *cli.Context) error {
				return treeCommand(c.Context, c.App.Writer, cfg,
					c.IntSlice("interval"), c.Int("maxp"))
			},
		},
	}
	return app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		pkg.LogError(pkg.ComponentCLI, "exit", "error", err)
		stop()
		os.Exit(1)
	}
}
