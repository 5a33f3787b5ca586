package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"ocsportal.org/internal/migrate"
	"ocsportal.org/ops/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	dsn := flags.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (default $DATABASE_URL)")
	dir := flags.String("dir", "", "read migrations from this directory instead of the embedded set")
	timeout := flags.Duration("timeout", 30*time.Second, "overall timeout")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *dsn == "" {
		return errors.New("missing DSN: provide via --dsn or DATABASE_URL")
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("exactly one command is required")
	}

	var (
		files   fs.FS = migrations.FS
		subdir        = migrations.Dir
	)
	if *dir != "" {
		files, subdir = os.DirFS(*dir), "."
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, files, subdir)

	switch cmd := flags.Arg(0); cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("nothing to apply")
		}
	case "down":
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("rolled back", name)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
