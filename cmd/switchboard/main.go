package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/switchboard-sh/switchboard/internal/client"
)

const version = "0.1.0"

// Exit codes reported to the shell.
const (
	exitOK           = 0
	exitNotFound     = 1
	exitExhausted    = 2
	exitInvalidUsage = 3
)

func main() {
	// A .env beside the invocation feeds the same SWITCHBOARD_ variables
	// the daemon reads, so one file configures both sides.
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return exitInvalidUsage
	}
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(os.Stdout)
		return exitOK
	}

	verb, rest := args[0], args[1:]
	var err error
	switch verb {
	case "serve":
		err = runServe(rest)
	case "create":
		err = runCreate(rest)
	case "send":
		err = runSend(rest)
	case "list":
		err = runList(rest)
	case "kill":
		err = runKill(rest)
	case "watch":
		err = runWatch(rest)
	case "version":
		fmt.Println("switchboard " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", verb)
		usage(os.Stderr)
		return exitInvalidUsage
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchboard:", err)
		return exitCode(err)
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprint(w, `switchboard hosts interactive CLI agents in pooled terminal sessions.

Usage:
  switchboard <command> [flags]

Commands:
  serve    run the daemon
  create   spawn a session running a command
  send     type into a session's terminal
  list     show live sessions
  kill     destroy a session
  watch    stream attention events
  version  print the version

Connection flags (client commands):
  --addr   daemon address (default SWITCHBOARD_ADDR or 127.0.0.1:7070)
  --token  bearer token for authenticated daemons

Run 'switchboard <command> --help' for command flags.
`)
}

// usageError marks operator mistakes so main exits with the
// invalid-arguments code.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// parseFlags parses args, translating pflag failures into usage errors.
// The bool is true when --help was requested and handled.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, usagef("%s: %v", fs.Name(), err)
	}
	return false, nil
}

func exitCode(err error) int {
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		return exitInvalidUsage
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case client.CodeSessionNotFound, client.CodeNotAcceptingInput:
			return exitNotFound
		case client.CodeInvalidRequest, client.CodeUnauthorized:
			return exitInvalidUsage
		default:
			// pool_full, spawn_failed, rate_limited, internal: the daemon
			// cannot take the work right now.
			return exitExhausted
		}
	}
	// The daemon never answered.
	return exitExhausted
}

// clientFlags are the connection flags shared by every verb that talks
// to a running daemon.
type clientFlags struct {
	addr  string
	token string
}

func registerClientFlags(fs *pflag.FlagSet) *clientFlags {
	f := &clientFlags{}
	fs.StringVar(&f.addr, "addr", defaultAddr(), "daemon address")
	fs.StringVar(&f.token, "token", os.Getenv("SWITCHBOARD_TOKEN"), "bearer token for authenticated daemons")
	return f
}

func (f *clientFlags) client() *client.Client {
	var opts []client.Option
	if f.token != "" {
		opts = append(opts, client.WithToken(f.token))
	}
	return client.New(f.addr, opts...)
}

func defaultAddr() string {
	if v := os.Getenv("SWITCHBOARD_ADDR"); v != "" {
		return v
	}
	return "127.0.0.1:7070"
}
