// paymentctl is the operator tool for the payment status store: inspect a
// fid's record, mark a stuck attempt failed so the user can recover, or record
// an off-band refund.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/geoplet/geoplet-mint/internal/status"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "paymentctl",
		Usage: "inspect and repair geoplet payment records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "redis",
				Usage:   "redis address",
				Value:   "localhost:6379",
				EnvVars: []string{"REDIS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				EnvVars: []string{"REDIS_PASSWORD"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "print the payment record for a fid",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "fid", Required: true},
				},
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					rec, err := store.GetStatus(c.Context, c.Int64("fid"))
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(rec, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					return nil
				},
			},
			{
				Name:  "mark-failed",
				Usage: "mark a fid's mint attempt failed (keeps the settlement, unlocks recovery)",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "fid", Required: true},
				},
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					fid := c.Int64("fid")
					if _, err := store.GetStatus(c.Context, fid); err != nil {
						return err
					}
					if err := store.MarkFailed(c.Context, fid); err != nil {
						return err
					}
					fmt.Printf("fid %d marked failed\n", fid)
					return nil
				},
			},
			{
				Name:  "mark-refunded",
				Usage: "record a manual refund for a fid",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "fid", Required: true},
					&cli.StringFlag{Name: "tx", Usage: "refund transaction hash", Required: true},
				},
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					fid := c.Int64("fid")
					if _, err := store.GetStatus(c.Context, fid); err != nil {
						return err
					}
					if err := store.MarkRefunded(c.Context, fid, c.String("tx")); err != nil {
						return err
					}
					fmt.Printf("fid %d marked refunded (tx %s)\n", fid, c.String("tx"))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*status.Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.String("redis"),
		Password: c.String("redis-password"),
	})
	if err := rdb.Ping(c.Context).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return status.NewStore(rdb), nil
}
