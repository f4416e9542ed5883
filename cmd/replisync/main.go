package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replisync/replisync/internal/auth"
	"github.com/replisync/replisync/internal/config"
	"github.com/replisync/replisync/internal/core/cache"
	"github.com/replisync/replisync/internal/core/connectivity"
	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/realtime"
	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/internal/core/session"
	"github.com/replisync/replisync/internal/core/store"
	"github.com/replisync/replisync/internal/core/txn"
	"github.com/replisync/replisync/pkg/clock"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "replisync",
		Short:         "Client-side sync engine for server-owned records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	root.AddCommand(watchCmd(), writeCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildSession(cfg config.Config, logger log.Log) (*session.Session, error) {
	var tokens auth.TokenProvider
	if cfg.AuthToken != "" {
		if jwt, err := auth.NewJWT(cfg.AuthToken, nil); err == nil {
			tokens = jwt
		} else {
			tokens = auth.Static(cfg.AuthToken)
		}
	}

	st := store.New(cfg.StoreConfig(), logger)
	transport := realtime.New(cfg.RealtimeClientConfig(), logger, clock.System())
	submitter := txn.NewSubmitter(cfg.SubmitterConfig(), tokens, logger)
	monitor := connectivity.NewMonitor(true)

	return session.New(session.Config{
		AuthorID:    cfg.AuthorID,
		GracePeriod: cfg.Subscriptions.GracePeriod,
		MaxUndoSize: cfg.History.MaxUndoSize,
		Queue:       cfg.TxnQueueConfig(),
	}, transport, submitter, submitter, st, monitor, logger, clock.System())
}

func setup() (config.Config, log.Log, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := log.New(log.ParseLevel(cfg.LogLevel))
	return cfg, logger, nil
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <table:id> [<table:id>...]",
		Short: "Subscribe to records and print every change until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			s, err := buildSession(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if err = s.Start(cmd.Context()); err != nil {
				return err
			}

			for _, arg := range args {
				p, ok := record.ParseKey(arg)
				if !ok {
					return fmt.Errorf("invalid key %q, want table:id", arg)
				}
				cancel := s.Watch(p, func(ch cache.Change) {
					switch {
					case ch.Next == nil:
						fmt.Printf("%s deleted\n", ch.Pointer.Key())
					default:
						fmt.Printf("%s v%d %v\n", ch.Pointer.Key(), ch.Next.Version, ch.Next.Fields)
					}
				})
				defer cancel()
			}

			stopCh := make(chan os.Signal, 1)
			signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
			<-stopCh
			return nil
		},
	}
}

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <table:id> <field=value> [<field=value>...]",
		Short: "Apply an optimistic local write and queue it for the server",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := record.ParseKey(args[0])
			if !ok {
				return fmt.Errorf("invalid key %q, want table:id", args[0])
			}
			fields := make(map[string]any, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid field %q, want field=value", kv)
				}
				fields[k] = v
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			s, err := buildSession(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if err = s.Write(cmd.Context(), p, fields); err != nil {
				return err
			}
			rec, _ := s.Get(p)
			fmt.Printf("%s v%d queued\n", p.Key(), rec.Version)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local store backend and queued transactions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			st := store.New(cfg.StoreConfig(), logger)
			defer st.Close()

			queue, err := txn.NewQueue(cfg.TxnQueueConfig(), st, nil, nil, logger, nil)
			if err != nil {
				return err
			}
			defer queue.Destroy()

			fmt.Println("backend:", st.BackendName())
			fmt.Println("queued transactions:", queue.Len())
			for _, tx := range queue.Transactions() {
				pointers := make([]string, 0, len(tx.Operations))
				for _, p := range tx.Pointers() {
					pointers = append(pointers, p.Key())
				}
				fmt.Printf("  %s author=%s records=%s\n",
					tx.TransactionID, tx.AuthorID, strings.Join(pointers, ","))
			}
			return nil
		},
	}
}
