package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"

	"subsync/client/internal/auth"
	"subsync/client/internal/config"
	"subsync/client/internal/logging"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
	"subsync/client/internal/syncer"
)

const SyncCtlVersion = "0.1.0"

const usage = `Sync control.

Works on the same local database as the server. Defaults come from the
server's environment variables.

Usage:
    syncctl pending [--db=<path>] [--account=<account>]
    syncctl submit <kind> <thing_id> <value> [--db=<path>] [--account=<account>]
    syncctl sync [--db=<path>] [--account=<account>]
    syncctl expire [--db=<path>] [--max-age=<seconds>]

Kinds:
    vote     value is -1, 0 or 1
    save     value is true or false
    hide     value is true or false
    read     value is true or false
    comment  value is the new body of an existing comment

Options:
    -h --help                Show this screen.
    --version                Show version.
    --db=<path>              SQLite database path.
    --account=<account>      Account to act on. pending and sync cover every account when omitted.
    --max-age=<seconds>      Expire sessions older than this.`

var Out = log.New(os.Stdout, "", 0)
var Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		Err.Fatalf("usage error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		Err.Fatalf("config error: %v", err)
	}
	if db, _ := opts.String("--db"); db != "" {
		cfg.DatabasePath = db
	}

	ctx := context.Background()
	store, err := storage.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		Err.Fatalf("open database: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		Err.Fatalf("init database: %v", err)
	}

	account, _ := opts.String("--account")
	switch {
	case flag(opts, "pending"):
		err = pending(ctx, store, account)
	case flag(opts, "submit"):
		err = submit(ctx, store, opts, account)
	case flag(opts, "sync"):
		err = runSync(ctx, cfg, store, account)
	case flag(opts, "expire"):
		err = expire(ctx, cfg, store, opts)
	}
	if err != nil {
		Err.Fatalf("%v", err)
	}
}

func flag(opts docopt.Opts, name string) bool {
	value, _ := opts.Bool(name)
	return value
}

func accountsFor(ctx context.Context, store storage.Store, account string) ([]string, error) {
	if account != "" {
		return []string{account}, nil
	}
	return store.PendingAccounts(ctx)
}

func pending(ctx context.Context, store storage.Store, account string) error {
	accounts, err := accountsFor(ctx, store, account)
	if err != nil {
		return err
	}
	out := make(map[string]map[string]int, len(accounts))
	for _, name := range accounts {
		counts, err := store.CountPending(ctx, name)
		if err != nil {
			return err
		}
		byKind := make(map[string]int, len(counts))
		for kind, n := range counts {
			byKind[kind.String()] = n
		}
		out[name] = byKind
	}
	return printJSON(out)
}

func submit(ctx context.Context, store storage.Store, opts docopt.Opts, account string) error {
	if account == "" {
		return errors.New("submit needs --account")
	}
	kindName, _ := opts.String("<kind>")
	thingID, _ := opts.String("<thing_id>")
	raw, _ := opts.String("<value>")

	kind, err := storage.ParseActionKind(kindName)
	if err != nil {
		return err
	}
	value, err := parseValue(kind, raw)
	if err != nil {
		return err
	}
	action, err := store.SubmitAction(ctx, storage.PendingAction{Account: account, ThingID: thingID, Kind: kind, Value: value})
	if err != nil {
		return err
	}
	return printJSON(action)
}

func parseValue(kind storage.ActionKind, raw string) (storage.ActionValue, error) {
	switch kind {
	case storage.KindVote:
		direction, err := strconv.Atoi(raw)
		if err != nil {
			return storage.ActionValue{}, fmt.Errorf("vote value %q: %w", raw, err)
		}
		return storage.ActionValue{Direction: direction}, nil
	case storage.KindComment:
		return storage.ActionValue{CommentOp: storage.CommentEdit, Body: raw}, nil
	default:
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return storage.ActionValue{}, fmt.Errorf("%s value %q: %w", kind, raw, err)
		}
		return storage.ActionValue{Enabled: enabled}, nil
	}
}

func runSync(ctx context.Context, cfg config.Config, store storage.Store, account string) error {
	logger := logging.NewWithWriter(cfg.LogLevel, os.Stderr)
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	api := remote.NewClient(httpClient, cfg.RemoteBaseURL, cfg.RemoteUserAgent)
	creds := auth.NewOAuthProvider(ctx, auth.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
		HTTPClient:   httpClient,
	}, cfg.Accounts)

	var locker syncer.Locker = syncer.NewMemoryLocker()
	if cfg.RedisURL != "" {
		redisLocker, err := syncer.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisLocker.Close()
		locker = redisLocker
	}
	coordinator := syncer.NewCoordinator(store, creds, syncer.DefaultSyncers(api), syncer.Options{
		Backoff:          syncer.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		CommentRateLimit: cfg.CommentRateLimit,
		Locker:           locker,
		Logger:           logger,
	})

	accounts, err := accountsFor(ctx, store, account)
	if err != nil {
		return err
	}
	reports := make([]syncer.Report, 0, len(accounts))
	var runErrs []error
	for _, name := range accounts {
		report, err := coordinator.Run(ctx, name)
		if err != nil {
			runErrs = append(runErrs, fmt.Errorf("sync %s: %w", name, err))
		}
		reports = append(reports, report)
	}
	if err := printJSON(reports); err != nil {
		return err
	}
	return errors.Join(runErrs...)
}

func expire(ctx context.Context, cfg config.Config, store storage.Store, opts docopt.Opts) error {
	maxAge := cfg.SessionMaxAge
	if raw, _ := opts.String("--max-age"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return fmt.Errorf("--max-age must be a non-negative integer")
		}
		maxAge = time.Duration(seconds) * time.Second
	}
	removed, err := store.DeleteSessionsBefore(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return err
	}
	Out.Printf("expired %d sessions", removed)
	return nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
