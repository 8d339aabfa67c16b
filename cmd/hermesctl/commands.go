package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/catalog"
	"github.com/danmuck/hermes/internal/orchestrator"
	"github.com/danmuck/hermes/internal/queue"
	"github.com/danmuck/hermes/internal/record"
	"github.com/spf13/pflag"
)

var errNoExecutionID = errors.New("execution id required")

// app holds lazily opened stores so read-only commands never touch the queue.
type app struct {
	cfg cliConfig
	out io.Writer

	store   record.Store
	queue   queue.Queue
	catalog *catalog.Catalog
	closers []func() error

	// subscribe opens a live room feed; nil means poll the store.
	subscribe func(ctx context.Context, room string) (<-chan bus.Event, error)
}

func newApp(cfg cliConfig, out io.Writer) *app {
	return &app{cfg: cfg, out: out}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func (a *app) records() (record.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := record.OpenSQLiteStore(filepath.Join(a.cfg.DataDir, "records.db"), a.cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func (a *app) jobs() (queue.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	q, err := queue.OpenSQLiteQueue(filepath.Join(a.cfg.DataDir, "queue.db"), a.cfg.PoolSize, queue.DefaultConfig())
	if err != nil {
		return nil, err
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)
	return q, nil
}

func (a *app) commands() (*catalog.Catalog, error) {
	if a.catalog != nil || a.cfg.CatalogPath == "" {
		return a.catalog, nil
	}
	c, err := catalog.Load(a.cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.catalog = c
	return c, nil
}

func (a *app) submit(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	command := flags.StringP("command", "c", "", "catalog command name")
	target := flags.StringP("target", "t", "", "target host, host:port, http(s) URL or ssh://user@host")
	params := flags.StringArrayP("param", "p", nil, "positional parameter, repeatable")
	token := flags.String("token", "", "operator token (default $HERMES_TOKEN)")
	watch := flags.BoolP("watch", "w", false, "follow the execution after submitting")
	if err := flags.Parse(args); err != nil {
		return err
	}

	tok := *token
	if tok == "" {
		tok = a.cfg.Token
	}
	user, err := a.cfg.Tokens.Username(tok)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	store, err := a.records()
	if err != nil {
		return err
	}
	q, err := a.jobs()
	if err != nil {
		return err
	}
	cat, err := a.commands()
	if err != nil {
		return err
	}

	sub := orchestrator.NewSubmitter(store, q, cat)
	id, err := sub.Submit(ctx, orchestrator.SubmitRequest{
		CommandName: strings.TrimSpace(*command),
		TargetHost:  strings.TrimSpace(*target),
		Params:      *params,
		User:        user,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	if *watch {
		return a.follow(ctx, id)
	}
	return nil
}

func executionID(args []string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, errNoExecutionID
	}
	return args[0], args[1:], nil
}

// recordView is the operator-facing shape of a record.
type recordView struct {
	ID          string     `json:"id"`
	CommandName string     `json:"command_name"`
	TargetHost  string     `json:"target_host"`
	Params      []string   `json:"params"`
	User        string     `json:"user"`
	Status      string     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	Output      string     `json:"output"`
}

func (a *app) view(rec *record.Record) recordView {
	return recordView{
		ID:          rec.ID,
		CommandName: rec.CommandName,
		TargetHost:  rec.TargetHost,
		Params:      a.catalog.Redact(rec.CommandName, rec.Params),
		User:        rec.User,
		Status:      string(rec.Status),
		StartTime:   rec.StartTime,
		EndTime:     rec.EndTime,
		ExitCode:    rec.ExitCode,
		Error:       rec.Error,
		Output:      rec.Output,
	}
}

func (a *app) load(ctx context.Context, id string) (*record.Record, error) {
	store, err := a.records()
	if err != nil {
		return nil, err
	}
	if _, err := a.commands(); err != nil {
		return nil, err
	}
	return store.Get(ctx, id)
}

func (a *app) status(ctx context.Context, args []string) error {
	id, rest, err := executionID(args)
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	asJSON := flags.Bool("json", false, "print the record as JSON")
	if err := flags.Parse(rest); err != nil {
		return err
	}
	rec, err := a.load(ctx, id)
	if err != nil {
		return err
	}
	v := a.view(rec)
	if *asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", v.ID)
	fmt.Fprintf(tw, "command\t%s %s\n", v.CommandName, strings.Join(v.Params, " "))
	fmt.Fprintf(tw, "target\t%s\n", v.TargetHost)
	fmt.Fprintf(tw, "user\t%s\n", v.User)
	fmt.Fprintf(tw, "status\t%s\n", v.Status)
	fmt.Fprintf(tw, "started\t%s\n", v.StartTime.Format(time.RFC3339))
	if v.EndTime != nil {
		fmt.Fprintf(tw, "ended\t%s\n", v.EndTime.Format(time.RFC3339))
	}
	if v.ExitCode != nil {
		fmt.Fprintf(tw, "exit code\t%d\n", *v.ExitCode)
	}
	if v.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", v.Error)
	}
	return tw.Flush()
}

func (a *app) output(ctx context.Context, args []string) error {
	id, _, err := executionID(args)
	if err != nil {
		return err
	}
	rec, err := a.load(ctx, id)
	if err != nil {
		return err
	}
	if rec.OutputLines > 0 {
		fmt.Fprintln(a.out, rec.Output)
	}
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	limit := flags.IntP("limit", "n", 20, "most recent executions to show")
	if err := flags.Parse(args); err != nil {
		return err
	}
	store, err := a.records()
	if err != nil {
		return err
	}
	recs, err := store.List(ctx, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMMAND\tTARGET\tUSER\tSTATUS\tEXIT\tSTARTED")
	for _, rec := range recs {
		exit := "-"
		if rec.ExitCode != nil {
			exit = fmt.Sprint(*rec.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.CommandName, rec.TargetHost, rec.User, rec.Status, exit, rec.StartTime.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) watch(ctx context.Context, args []string) error {
	id, _, err := executionID(args)
	if err != nil {
		return err
	}
	return a.follow(ctx, id)
}
