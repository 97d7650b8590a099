// flam is the queue CLI: database init, enqueue, inspection, worker
// pool control, dead-letter management and config tuning.
//
// Exit codes: 0 success, 1 generic failure, 2 invalid input.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AdityaR0811/flam/internal/config"
	"github.com/AdityaR0811/flam/internal/domain"
)

const usage = `Usage: flam <command> [flags]

Commands:
  init                          create or migrate the database
  enqueue                       add a job (flags or --file with JSON)
  list                          list jobs
  status                        state counts and registered workers
  logs <id>                     show a job's last error and output tails
  worker start --count N        spawn N worker processes
  worker stop                   stop all worker processes
  dlq list                      list dead-letter jobs
  dlq retry <id>                re-queue a dead-letter job
  config get [key]              show config value(s)
  config set <key> <value>      set a config value

The database path defaults to ./flam.db; override with FLAM_DB.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	app := &app{cfg: cfg}

	err = app.run(ctx, os.Args[1], os.Args[2:])
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "error:", err)
	if domain.IsInput(err) || errors.Is(err, errUsage) {
		os.Exit(2)
	}
	os.Exit(1)
}

// errUsage marks bad command-line invocations (exit code 2).
var errUsage = errors.New("invalid usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errUsage)
}

type app struct {
	cfg *config.Config
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "init":
		return a.cmdInit(ctx)
	case "enqueue":
		return a.cmdEnqueue(ctx, args)
	case "list":
		return a.cmdList(ctx, args)
	case "status":
		return a.cmdStatus(ctx, args)
	case "logs":
		return a.cmdLogs(ctx, args)
	case "worker":
		return a.cmdWorker(ctx, args)
	case "dlq":
		return a.cmdDLQ(ctx, args)
	case "config":
		return a.cmdConfig(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return usageErr("unknown command %q", command)
	}
}

// splitSub peels a subcommand off the front of args.
func splitSub(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	return args[0], args[1:]
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%v: %w", err, errUsage)
	}
	return nil
}

func joinCommand(args []string) string {
	return strings.Join(args, " ")
}
