package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/record"
	"github.com/rs/zerolog/log"
)

// follower prints an execution's output once, whether lines arrive from
// the store or from the live room.
type follower struct {
	a       *app
	id      string
	printed int
}

func (f *follower) catchUp(rec *record.Record) {
	lines := rec.Lines()
	for ; f.printed < len(lines); f.printed++ {
		fmt.Fprintln(f.a.out, lines[f.printed])
	}
}

func (f *follower) summary(rec *record.Record) {
	code := "-"
	if rec.ExitCode != nil {
		code = fmt.Sprint(*rec.ExitCode)
	}
	if rec.Error != "" {
		fmt.Fprintf(f.a.out, "-- %s (exit %s): %s\n", rec.Status, code, rec.Error)
		return
	}
	fmt.Fprintf(f.a.out, "-- %s (exit %s)\n", rec.Status, code)
}

// follow prints output until the execution reaches a terminal status.
// It prefers the live room and falls back to polling the store.
func (a *app) follow(ctx context.Context, id string) error {
	store, err := a.records()
	if err != nil {
		return err
	}
	f := &follower{a: a, id: id}
	rec, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		f.catchUp(rec)
		f.summary(rec)
		return nil
	}

	events, err := a.liveFeed(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("live feed unavailable; polling the record store")
		return f.poll(ctx, store)
	}
	// Read the store after joining so no line falls between the two.
	if rec, err = store.Get(ctx, id); err != nil {
		return err
	}
	f.catchUp(rec)
	if rec.Status.Terminal() {
		f.summary(rec)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("live feed closed; polling the record store")
				return f.poll(ctx, store)
			}
			done, err := f.apply(ctx, store, ev)
			if err != nil || done {
				return err
			}
		}
	}
}

func (f *follower) apply(ctx context.Context, store record.Store, ev bus.Event) (bool, error) {
	switch ev.Name {
	case bus.EventExecutionOutput:
		var p bus.OutputPayload
		if err := ev.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("undecodable output event")
			return false, nil
		}
		if p.Seq < f.printed {
			return false, nil
		}
		if p.Seq > f.printed {
			// Lines were missed; fetch what the store already holds. Lines
			// not yet flushed are skipped here and stay readable via output.
			rec, err := store.Get(ctx, f.id)
			if err != nil {
				return false, err
			}
			f.catchUp(rec)
			if p.Seq < f.printed {
				return false, nil
			}
		}
		fmt.Fprintln(f.a.out, p.OutputLine)
		f.printed = p.Seq + 1
		return false, nil
	case bus.EventExecutionComplete, bus.EventExecutionError:
		rec, err := store.Get(ctx, f.id)
		if err != nil {
			return true, err
		}
		f.catchUp(rec)
		f.summary(rec)
		return true, nil
	default:
		return false, nil
	}
}

func (f *follower) poll(ctx context.Context, store record.Store) error {
	interval := f.a.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := store.Get(ctx, f.id)
		if err != nil {
			return err
		}
		f.catchUp(rec)
		if rec.Status.Terminal() {
			f.summary(rec)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// liveFeed joins the execution room on the bus.
func (a *app) liveFeed(ctx context.Context, id string) (<-chan bus.Event, error) {
	if a.subscribe != nil {
		return a.subscribe(ctx, bus.RoomName(id))
	}
	if a.cfg.BusURL == "" {
		return nil, errors.New("no bus configured")
	}
	cc := bus.DefaultClientConfig()
	cc.URL = a.cfg.BusURL
	cc.Token = a.cfg.BusToken
	client := bus.NewClient(cc)
	a.closers = append(a.closers, client.Close)

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.BusConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, err
	}
	return client.Subscribe(ctx, bus.RoomName(id))
}
