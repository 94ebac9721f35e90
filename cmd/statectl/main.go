package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"funding-arb-state/internal/app"
	"funding-arb-state/internal/config"
	"funding-arb-state/internal/logging"
	"funding-arb-state/internal/state"

	"go.uber.org/zap"
)

const (
	defaultEnvFile = ".env"
	commandTimeout = 30 * time.Second
	dateLayout     = "2006-01-02"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// operator output carries only warnings and errors
	cfg.Log.Format = "console"
	if cfg.Log.Level == "info" || cfg.Log.Level == "debug" {
		cfg.Log.Level = "warn"
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	// the daemon owns the metrics listener
	cfg.Metrics.Address = ""

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	application, err := app.New(ctx, cfg, log)
	if err != nil {
		fatal(err)
	}
	mgr := application.State()
	defer func() { _ = mgr.Close() }()

	if err := run(ctx, mgr, flag.Args(), os.Stdout, log); err != nil {
		_ = mgr.Close()
		fatal(err)
	}
}

func run(ctx context.Context, mgr *state.Manager, args []string, out io.Writer, log *zap.Logger) error {
	switch args[0] {
	case "strategy":
		st, ok, err := mgr.LoadStrategyState(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("strategy %s: %w", mgr.StrategyID(), state.ErrNotFound)
		}
		return writeJSON(out, st)
	case "account":
		if len(args) != 2 {
			return errors.New("usage: statectl account <account_id>")
		}
		acct, err := mgr.RequireAccountState(ctx, args[1])
		if err != nil {
			return err
		}
		return writeJSON(out, acct)
	case "replay":
		filter, err := parseReplayFlags(args[1:])
		if err != nil {
			return err
		}
		txs, err := mgr.ListTransactions(ctx, filter)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		for _, tx := range txs {
			if err := enc.Encode(tx); err != nil {
				return err
			}
		}
		return nil
	case "import":
		if !mgr.Healthy() {
			return fmt.Errorf("import: %w", state.ErrConnection)
		}
		report, err := mgr.SyncFallback(ctx)
		if err != nil {
			return err
		}
		log.Warn("fallback import finished",
			zap.Bool("strategy", report.StrategyImported),
			zap.Int("accounts", report.AccountsImported),
			zap.Int("transactions", report.TransactionsReplayed),
			zap.Int("files_archived", report.FilesArchived),
		)
		return writeJSON(out, report)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func parseReplayFlags(args []string) (state.TransactionFilter, error) {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	account := fs.String("account", "", "only transactions of this account")
	from := fs.String("from", "", "first day (YYYY-MM-DD or RFC 3339), inclusive")
	to := fs.String("to", "", "last bound (YYYY-MM-DD or RFC 3339), exclusive")
	if err := fs.Parse(args); err != nil {
		return state.TransactionFilter{}, err
	}
	filter := state.TransactionFilter{AccountID: strings.TrimSpace(*account)}
	var err error
	if filter.From, err = parseBound(*from); err != nil {
		return state.TransactionFilter{}, fmt.Errorf("-from: %w", err)
	}
	if filter.To, err = parseBound(*to); err != nil {
		return state.TransactionFilter{}, fmt.Errorf("-to: %w", err)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return state.TransactionFilter{}, errors.New("-from must be before -to")
	}
	return filter, nil
}

func parseBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: statectl [-config path] <command>

commands:
  strategy                         print the persisted strategy state
  account <account_id>             print one account state
  replay [-account id] [-from d] [-to d]
                                   print transactions as JSON lines
  import                           copy fallback data into the primary store
`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "statectl: %v\n", err)
	os.Exit(1)
}
