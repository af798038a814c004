package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"settlement-backend/mcp"
	"settlement-backend/middleware"
	api "settlement-backend/middleware/settlement"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "settlementd",
		Usage: "Task escrow settlement with cross-chain reward plans",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or TOML config file",
				Value:   "settlement.yaml",
				Sources: cli.EnvVars("SETTLE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Optional dotenv file loaded before the environment is read",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newMCPCommand(),
			newSweepCommand(),
			newAccountsCommand(),
		},
	}
}

func commandRuntime(ctx context.Context, cmd *cli.Command, withTransport bool) (*runtime, error) {
	cfg, err := loadConfig(cmd.String("env-file"), cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("addr") {
		cfg.HTTP.Addr = cmd.String("addr")
	}
	return newRuntime(ctx, cfg, withTransport)
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the settlement HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address, overrides http.addr"},
			&cli.DurationFlag{Name: "sweep-interval", Usage: "Run a read-only reconciliation sweep this often (0 disables)"},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	rt, err := commandRuntime(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	srv := api.NewServer(rt.svc, api.Config{
		Addr:          rt.cfg.HTTP.Addr,
		Keys:          rt.cfg.APIKeys(),
		RelayerSecret: rt.cfg.HTTP.RelayerSecret,
		Metrics:       rt.metricsHandler(),
	})
	srv.Wrap(middleware.RequestID, middleware.Logging, middleware.Recovery, middleware.CORS(rt.cfg.HTTP.CORSOrigins), middleware.SecurityHeaders)

	if every := cmd.Duration("sweep-interval"); every > 0 {
		go sweepLoop(ctx, rt, every)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	log.Printf("settlementd serving (store=%s transport=%s)", rt.cfg.Store.Driver, rt.cfg.Transport.Driver)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}

// sweepLoop refreshes the orphan gauges. It never remediates.
func sweepLoop(ctx context.Context, rt *runtime, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := rt.svc.Sweeper.Sweep(ctx)
			if err != nil {
				log.Printf("reconcile sweep failed: %v", err)
				continue
			}
			if n := len(rep.Orphans()); n > 0 {
				log.Printf("reconcile sweep: %d of %d reward plans need attention", n, rep.Scanned)
			}
		}
	}
}

func newMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Expose settlement tools as an MCP server over stdio",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api-key", Usage: "Key this client acts with when tools are key-protected", Sources: cli.EnvVars("SETTLE_MCP_API_KEY")},
		},
		Action: runMCP,
	}
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the MCP stream.
	log.SetOutput(os.Stderr)
	rt, err := commandRuntime(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	s := mcp.NewMCPServer(rt.svc, mcp.WithAPIKeys(rt.cfg.APIKeys(), cmd.String("api-key")))
	log.Printf("settlement MCP server starting (store=%s, %d tools)", rt.cfg.Store.Driver, len(s.ToolNames()))
	return s.ServeStdio()
}

func newSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Classify every reward plan and optionally refund orphans",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "remediate", Usage: "Refund orphaned plans to their creators"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := commandRuntime(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			rep, err := rt.svc.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			out := map[string]interface{}{"report": rep}
			if cmd.Bool("remediate") {
				res, err := rt.svc.Sweeper.Remediate(ctx, rep)
				out["remediation"] = res
				if err != nil {
					printJSON(out)
					return err
				}
			}
			return printJSON(out)
		},
	}
}

func newAccountsCommand() *cli.Command {
	accountFlags := func(withAmount bool) []cli.Flag {
		flags := []cli.Flag{
			&cli.StringFlag{Name: "account", Required: true, Usage: "Account name"},
			&cli.StringFlag{Name: "asset", Required: true, Usage: "Asset symbol"},
		}
		if withAmount {
			flags = append(flags, &cli.Uint64Flag{Name: "amount", Required: true, Usage: "Amount in base units"})
		}
		return flags
	}
	return &cli.Command{
		Name:  "accounts",
		Usage: "Operator access to ledger balances",
		Commands: []*cli.Command{
			{
				Name:  "mint",
				Usage: "Credit an account",
				Flags: accountFlags(true),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withAccounts(ctx, cmd, func(rt *runtime, account, asset string) error {
						return rt.svc.Accounts.Mint(ctx, account, asset, cmd.Uint64("amount"))
					})
				},
			},
			{
				Name:  "approve",
				Usage: "Set the escrow allowance of an account",
				Flags: accountFlags(true),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withAccounts(ctx, cmd, func(rt *runtime, account, asset string) error {
						return rt.svc.Accounts.Approve(ctx, account, asset, cmd.Uint64("amount"))
					})
				},
			},
			{
				Name:  "balance",
				Usage: "Print balance and allowance",
				Flags: accountFlags(false),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withAccounts(ctx, cmd, func(rt *runtime, account, asset string) error { return nil })
				},
			},
		},
	}
}

// withAccounts runs fn and prints the resulting balance of the account.
func withAccounts(ctx context.Context, cmd *cli.Command, fn func(rt *runtime, account, asset string) error) error {
	rt, err := commandRuntime(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	account, asset := cmd.String("account"), cmd.String("asset")
	if err := fn(rt, account, asset); err != nil {
		return err
	}
	balance, err := rt.svc.Accounts.Balance(ctx, account, asset)
	if err != nil {
		return err
	}
	allowance, err := rt.svc.Accounts.Allowance(ctx, account, asset)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"account": account, "asset": asset, "balance": balance, "allowance": allowance})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
