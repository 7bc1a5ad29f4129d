package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"aiknowledge/internal/bootstrap"
	"aiknowledge/internal/config"
	"aiknowledge/internal/pkg/jwtutil"
	"aiknowledge/internal/platform/database"
)

func main() {
	app := &cli.App{
		Name:  "knowledgectl",
		Usage: "Maintenance commands for the knowledge ingestion service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML config file",
				EnvVars: []string{"CONFIG_FILE"},
				Value:   "configs/config.toml",
			},
		},
		Before: func(c *cli.Context) error {
			return os.Setenv("CONFIG_FILE", c.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema",
				Action: migrateCommand,
			},
			{
				Name:   "sweep",
				Usage:  "Poll the stalest asynchronous data source once",
				Action: jobCommand("sweep"),
			},
			{
				Name:   "refresh-due",
				Usage:  "Request a refresh for every data source whose period has elapsed",
				Action: jobCommand("refresh-due"),
			},
			{
				Name:   "token",
				Usage:  "Mint an API token for local testing",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "org", Usage: "Organization id", Required: true},
					&cli.StringFlag{Name: "user", Usage: "User id", Required: true},
					&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: 24 * time.Hour},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func migrateCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.Open(c.Context, cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "schema is up to date")
	return nil
}

// jobCommand runs one scheduler job under the same lock the server uses.
func jobCommand(name string) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(c.Context, 10*time.Minute)
		defer cancel()

		app, err := bootstrap.New(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Scheduler.RunOnce(ctx, name); err != nil {
			return err
		}
		app.Drain()
		fmt.Fprintf(c.App.Writer, "%s finished\n", name)
		return nil
	}
}

func tokenCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, err := jwtutil.SignToken(cfg.Auth.JWTSecret, c.String("org"), c.String("user"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
