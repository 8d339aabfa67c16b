package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hermes/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "/etc/hermes/cli.toml"

const usage = `hermesctl: submit and follow remote command executions

usage:
  hermesctl [--config path] submit -c <command> -t <target> [-p param]... [--token t] [--watch]
  hermesctl [--config path] status <execution-id> [--json]
  hermesctl [--config path] output <execution-id>
  hermesctl [--config path] list [--limit n]
  hermesctl [--config path] watch <execution-id>
`

func main() {
	observability.InitLogger("hermesctl")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hermesctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("hermesctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	configPath := flags.String("config", defaultConfigPath, "cli config file (toml)")
	verbose := flags.BoolP("verbose", "v", false, "log at info level")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if !*verbose {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	rest := flags.Args()
	if len(rest) == 0 {
		fmt.Fprint(out, usage)
		return nil
	}

	cfg, err := loadCLIConfig(*configPath, !flags.Changed("config"))
	if err != nil {
		return err
	}
	a := newApp(cfg, out)
	defer a.close()

	err = dispatch(ctx, a, rest[0], rest[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func dispatch(ctx context.Context, a *app, cmd string, cmdArgs []string) error {
	switch cmd {
	case "submit":
		return a.submit(ctx, cmdArgs)
	case "status":
		return a.status(ctx, cmdArgs)
	case "output":
		return a.output(ctx, cmdArgs)
	case "list":
		return a.list(ctx, cmdArgs)
	case "watch":
		return a.watch(ctx, cmdArgs)
	case "help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
