package cmd

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/set-io/lkvm/utils"
	"github.com/urfave/cli"
)

const (
	SpecConfig       = "config.json"
	minKernelVersion = "5.0.0"
)

func Execute(name, usage, version, commit string) {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage

	v := []string{version}

	if commit != "" {
		v = append(v, "commit: "+commit)
	}
	v = append(v, "go: "+runtime.Version())
	app.Version = strings.Join(v, "\n")

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "set the log file to write lkvm logs to (default is '/dev/stderr')",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the log format ('text' (default), or 'json')",
		},
	}
	app.Commands = []cli.Command{
		runCommand,
		specCommand,
		probeCommand,
	}

	var logFile *os.File
	app.Before = func(ctx *cli.Context) error {
		if err := utils.CheckKernelVersion(minKernelVersion); err != nil {
			return err
		}
		var out io.Writer = os.Stderr
		if ctx.IsSet("log") {
			f, err := os.OpenFile(ctx.String("log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
			if err != nil {
				return err
			}
			logFile, out = f, f
		}
		return setupLogging(out, ctx.String("log-format"), ctx.Bool("debug"))
	}
	app.After = func(ctx *cli.Context) error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

// setupLogging installs the slog handler for format as the default logger.
// Plain log.Printf calls are routed through it too.
func setupLogging(w io.Writer, format string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch format {
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	log.SetFlags(0)
	return nil
}

func checkArgs(ctx *cli.Context, expected int) error {
	if ctx.NArg() > expected {
		fmt.Printf("Incorrect Usage.\n\n")
		cli.ShowCommandHelp(ctx, ctx.Command.Name)
		return fmt.Errorf("%s: %q requires a maximum of %d argument(s)", os.Args[0], ctx.Command.Name, expected)
	}
	return nil
}
