package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/pflag"

	"github.com/switchboard-sh/switchboard/internal/client"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

func runCreate(args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	// Everything after the command belongs to the command, so flags for
	// the agent itself pass through untouched.
	fs.SetInterspersed(false)
	conn := registerClientFlags(fs)
	cwd := fs.String("cwd", "", "working directory for the session")
	label := fs.String("label", "", "human-readable session label")
	env := fs.StringArray("env", nil, "extra environment (repeatable, K=V)")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usagef("create: command required")
	}

	envMap, err := parseEnv(*env)
	if err != nil {
		return err
	}

	summary, err := conn.client().CreateSession(context.Background(), client.CreateRequest{
		Command:    fs.Arg(0),
		Args:       fs.Args()[1:],
		WorkingDir: *cwd,
		Env:        envMap,
		Label:      *label,
	})
	if err != nil {
		return err
	}
	fmt.Println(summary.ID)
	return nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, usagef("create: --env wants K=V, got %q", pair)
		}
		env[k] = v
	}
	return env, nil
}

func runSend(args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	conn := registerClientFlags(fs)
	noNewline := fs.Bool("no-newline", false, "do not append a trailing newline")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return usagef("send: session id and text required")
	}

	data := strings.Join(fs.Args()[1:], " ")
	if !*noNewline {
		data += "\n"
	}
	return conn.client().SendInput(context.Background(), fs.Arg(0), data)
}

func runList(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	conn := registerClientFlags(fs)
	all := fs.Bool("all", false, "include recently ended sessions")
	asJSON := fs.Bool("json", false, "output as JSON")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usagef("list: unexpected argument %q", fs.Arg(0))
	}

	cl := conn.client()
	ctx := context.Background()
	sessions, err := cl.ListSessions(ctx)
	if err != nil {
		return err
	}
	var records []types.SessionRecord
	if *all {
		if records, err = cl.History(ctx, 0); err != nil {
			return err
		}
	}

	if *asJSON {
		out := map[string]any{"sessions": sessions}
		if *all {
			out["history"] = records
		}
		data, err := sonic.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATE\tPID\tATTN\tLABEL\tCOMMAND\tCREATED\n")
	for _, s := range sessions {
		attn := ""
		if s.Attention {
			attn = "!"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.ID, s.State, s.PID, attn, orDash(s.Label),
			commandLine(s.Command, s.Args), ago(s.CreatedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *all && len(records) > 0 {
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "ID\tEXIT\tREASON\tLABEL\tCOMMAND\tENDED\n")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				r.ID, r.ExitCode, r.EndReason, orDash(r.Label),
				commandLine(r.Command, r.Args), ago(r.EndedAt))
		}
		return tw.Flush()
	}
	return nil
}

func runKill(args []string) error {
	fs := pflag.NewFlagSet("kill", pflag.ContinueOnError)
	conn := registerClientFlags(fs)
	grace := fs.Duration("grace", -1, "termination grace before SIGKILL")
	fs.Lookup("grace").DefValue = "daemon setting"
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usagef("kill: exactly one session id required")
	}

	return conn.client().DestroySession(context.Background(), fs.Arg(0), *grace)
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ago renders an elapsed duration coarsely enough to scan in a table.
func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}
