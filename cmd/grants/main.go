// Command grants loads the grant catalog from a YAML seed file into Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"ocsportal.org/internal/grants"
	"ocsportal.org/internal/store/pg"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "grants: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("grants", pflag.ContinueOnError)
	dsn := flags.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (default $DATABASE_URL)")
	file := flags.StringP("file", "f", "ops/grants.example.yaml", "grant seed file")
	dryRun := flags.Bool("dry-run", false, "validate the file and print the grants without writing")
	timeout := flags.Duration("timeout", 30*time.Second, "overall timeout")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	list, err := grants.LoadFile(*file)
	if err != nil {
		return err
	}
	if *dryRun {
		for _, g := range list {
			fmt.Printf("%-32s level=%-11s tickets=%-5s inventory=%-5s purchasing=%-5s forms=%s\n",
				g.Name, g.AccessLevel, g.Tickets, g.Inventory, g.Purchasing, g.Forms)
		}
		return nil
	}
	if *dsn == "" {
		return errors.New("missing DSN: provide via --dsn or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	n, err := grants.Apply(ctx, store, list)
	if err != nil {
		return err
	}
	fmt.Printf("upserted %d grants from %s\n", n, *file)
	return nil
}
