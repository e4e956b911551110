// featherctl показывает и применяет изменения схемы из файлов feathers.
//
//	featherctl plan  [-db URL] [-feathers DIR]   DDL без применения (транзакция откатывается)
//	featherctl apply [-db URL] [-feathers DIR]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"featherdb/internal/config"
	"featherdb/internal/engine"
	"featherdb/internal/feather"
	"featherdb/internal/logger"
	"featherdb/internal/pg"
	"featherdb/internal/schema"

	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "plan" && os.Args[1] != "apply") {
		fmt.Fprintln(os.Stderr, "usage: featherctl plan|apply [-config FILE] [-db URL] [-feathers DIR]")
		os.Exit(2)
	}
	cmd := os.Args[1]
	cfg := config.LoadArgs("featherdb.json", os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cmd, cfg); err != nil {
		color.Red("%s failed: %v", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, cfg config.Config) error {
	if cfg.DBURL == "" {
		return fmt.Errorf("dbUrl is required (FEATHERDB_DB_URL or -db)")
	}
	specs, err := feather.LoadDir(cfg.FeathersDir)
	if err != nil {
		return err
	}
	color.Cyan("%d feathers in %s", len(specs), cfg.FeathersDir)

	log := logger.New(logger.Options{Level: "warn"})
	db, err := pg.Open(ctx, cfg.DBURL, 2)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := schema.Bootstrap(ctx, db, log); err != nil {
		return err
	}

	eng := engine.New(db, log, engine.Options{
		Precision:     cfg.NumericPrecision,
		Scale:         cfg.NumericScale,
		BackfillBatch: cfg.BackfillBatch,
		NodeID:        cfg.NodeID,
	})

	var res *schema.Result
	if cmd == "plan" {
		res, err = eng.Plan(ctx, specs)
	} else {
		res, err = eng.Apply(ctx, specs)
	}
	if err != nil {
		return err
	}
	report(cmd, res)
	return nil
}

func report(cmd string, res *schema.Result) {
	if len(res.Changed) == 0 {
		color.Green("no changes")
		return
	}
	for _, name := range res.Changed {
		color.Yellow("~ %s", name)
	}
	for _, stmt := range res.DDL {
		fmt.Println("  " + stmt + ";")
	}
	if cmd == "plan" {
		color.Cyan("%d statements would run (rolled back)", len(res.DDL))
		return
	}
	color.Green("applied %d statements, catalog etag %s", len(res.DDL), res.Catalog.ETag())
}
