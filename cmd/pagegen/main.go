// Command pagegen manages providers and generation records from the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mhpenta/pagegen/internal/app"
	"github.com/mhpenta/pagegen/internal/config"
	"github.com/mhpenta/pagegen/internal/logger"
)

const usage = `usage: pagegen [-config dir] <command> [args]

commands:
  providers list <text|image>
  providers add <text|image> <name> -type T -key K -model M [-base-url U] [-high-concurrency] [-endpoint images|chat]
  providers activate <text|image> <name>
  providers delete <text|image> <name>
  providers test <text|image> <name>
  backend switch <local|hosted> [-dsn DSN] [-data-dir DIR]
  text [-system S] <prompt>
  records create -title T -outline pages.json
  records list [-status S] [-q TEXT] [-page N] [-size N]
  records show <id>
  records generate <id>
  records retry <id>
  records regenerate <id> <page>
  records update <id> [-title T] [-outline pages.json]
  records sync <id>
  records sync-all
  records delete <id>
  records export <id> <dir>
  records stats
`

func main() {
	configDir := flag.String("config", "configs", "directory holding config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	format := cfg.Log.Format
	if cfg.IsProduction() {
		format = "json"
	}
	log := logger.Init(cfg.Log.Level, format)

	// Interrupt cancels the running command; a batch stops dispatching and
	// records its remaining pages as cancelled.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	a.ServeMetrics()

	err = run(ctx, a, flag.Args())
	if cerr := a.Close(); cerr != nil {
		log.Warn("shutdown", "error", cerr.Error())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "providers":
		return providersCmd(ctx, a, rest)
	case "backend":
		return backendCmd(ctx, a, rest)
	case "text":
		return textCmd(ctx, a, rest)
	case "records":
		return recordsCmd(ctx, a, rest)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}
