// Command swmrctl inspects and repairs the coordination state kept in the
// store by swmrlock participants. It is an operational tool: showing the
// protocol keys of a resource, watching them change, and purging them once
// no participant is live.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/meteotest/swmrlock"
)

func main() {
	cmd := &cli.Command{
		Name:  "swmrctl",
		Usage: "inspect and repair readers/writer coordination state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: swmrlock.DefaultAddr,
				Usage: "host:port of the coordination store",
			},
			&cli.IntFlag{
				Name:  "db",
				Usage: "store database index",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "store password",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "print the protocol keys of a resource",
				ArgsUsage: "<resource>",
				Action:    runShow,
			},
			{
				Name:      "watch",
				Usage:     "continuously re-render the protocol keys of a resource",
				ArgsUsage: "<resource>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: 100 * time.Millisecond,
						Usage: "refresh interval",
					},
				},
				Action: runWatch,
			},
			{
				Name:      "purge",
				Usage:     "delete all protocol keys of a resource (use with care)",
				ArgsUsage: "<resource>",
				Action:    runPurge,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "swmrctl: %v\n", err)
		os.Exit(1)
	}
}

func coordinator(cmd *cli.Command) (*swmrlock.Coordinator, error) {
	cfg := swmrlock.Config{
		Addr:     cmd.String("addr"),
		DB:       int(cmd.Int("db")),
		Password: cmd.String("password"),
		Logger:   zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
	}
	store := swmrlock.NewRedisStore(cfg)
	if err := store.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("store unreachable at %s: %w", cfg.Addr, err)
	}
	return swmrlock.NewWithStore(store, cfg), nil
}

func resourceArg(cmd *cli.Command) (string, error) {
	resource := cmd.Args().First()
	if resource == "" {
		return "", fmt.Errorf("missing <resource> argument")
	}
	return resource, nil
}

func printKeys(resource string, keys map[string]string) {
	fmt.Printf("Protocol keys for %s:\n", resource)
	fmt.Println("=============================")
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s\t%s\n", name, keys[name])
	}
	if len(names) == 0 {
		fmt.Println("(none)")
	}
}

func runShow(ctx context.Context, cmd *cli.Command) error {
	resource, err := resourceArg(cmd)
	if err != nil {
		return err
	}
	c, err := coordinator(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	keys, err := c.DumpKeys(ctx, resource)
	if err != nil {
		return err
	}
	printKeys(resource, keys)
	return nil
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	resource, err := resourceArg(cmd)
	if err != nil {
		return err
	}
	c, err := coordinator(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ticker := time.NewTicker(cmd.Duration("interval"))
	defer ticker.Stop()
	for {
		keys, err := c.DumpKeys(ctx, resource)
		if err != nil {
			return err
		}
		fmt.Print("\x1b[2J\x1b[H") // clear screen, home cursor
		printKeys(resource, keys)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runPurge(ctx context.Context, cmd *cli.Command) error {
	resource, err := resourceArg(cmd)
	if err != nil {
		return err
	}
	c, err := coordinator(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.PurgeKeys(ctx, resource)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d key(s) for %s\n", n, resource)
	return nil
}
