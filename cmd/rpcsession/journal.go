package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"rpcsession/internal/adapter/journal"
	"rpcsession/internal/infra/config"
)

func runJournal(args []string) error {
	ja := parseArgs(args)

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	f := journal.Filter{
		SessionID: ja.get("session", ""),
		Method:    ja.get("method", ""),
		Limit:     100,
	}
	if v := ja.get("limit", ""); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid --limit %q", v)
		}
	}

	path := ja.get("path", cfg.Journal.Path)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("journal %s: %w", path, err)
	}
	store, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background(), f)
	if err != nil {
		return err
	}
	printEntries(os.Stdout, entries)
	return nil
}

func printEntries(out io.Writer, entries []*journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No journal entries.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tDIR\tKIND\tMETHOD\tID\tBYTES")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.CreatedAt.Format("2006-01-02 15:04:05.000"),
			e.SessionID, e.Direction, e.Kind, dash(e.Method), dash(e.RequestID), len(e.Payload))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runEncrypt(args []string) error {
	ea := parseArgs(args)
	if len(ea.positional) != 1 {
		return fmt.Errorf("usage: RPCSESSION_CONFIG_KEY=... rpcsession encrypt <value>")
	}
	key := os.Getenv("RPCSESSION_CONFIG_KEY")
	if key == "" {
		return fmt.Errorf("RPCSESSION_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(ea.positional[0], key)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
