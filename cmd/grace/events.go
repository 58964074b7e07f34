package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/persistence"
)

func runEventsCommand(ctx context.Context, w io.Writer, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	kind := fs.String("kind", "", "event kind, e.g. kernel.transition")
	resource := fs.String("resource", "", "kernel or resource name")
	since := fs.String("since", "", "look-back duration (15m) or RFC 3339 timestamp")
	limit := fs.Int("limit", 50, "maximum events to print")
	jsonOut := fs.Bool("json", false, "print one JSON object per line")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grace events [-kind K] [-resource R] [-since 1h] [-limit N] [-json]")
		return 2
	}

	filter := persistence.EventFilter{Kind: *kind, Resource: *resource, Limit: *limit}
	if *since != "" {
		t, err := parseSince(*since, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "events: -since: %v\n", err)
			return 2
		}
		filter.Since = t
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "events: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	events, err := store.ListEvents(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "events: %v\n", err)
		return 1
	}
	printEvents(w, events, *jsonOut)
	return 0
}

func printEvents(w io.Writer, events []audit.Event, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, ev := range events {
			_ = enc.Encode(ev)
		}
		return
	}
	for _, ev := range events {
		var meta []string
		for _, k := range slices.Sorted(maps.Keys(ev.Metadata)) {
			meta = append(meta, k+"="+ev.Metadata[k])
		}
		fmt.Fprintf(w, "%s  %-22s %-18s %-16s %-8s %s  %s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Kind, ev.Resource, ev.Actor, ev.Result, ev.Action, strings.Join(meta, " "))
	}
}

// parseSince accepts an RFC 3339 timestamp or a look-back duration.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}
