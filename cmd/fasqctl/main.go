// Package main provides the fasqctl CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/fasq/pkg/client"
	"github.com/orneryd/fasq/pkg/config"
	"github.com/orneryd/fasq/pkg/query"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fasqctl",
		Short: "fasq - an asynchronous query/mutation cache for Go clients",
		Long: `fasqctl drives a fasq Registry from the command line: set and
read cached values, invalidate and prefetch keys, inspect the offline
mutation queue, and run a small demo server that exercises the full
Query/Mutation lifecycle end to end.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fasqctl v%s (%s)\n", version, commit)
		},
	})

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Read a key's cached value",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().String("data-dir", "./data/fasq", "Persistence directory")
	rootCmd.AddCommand(getCmd)

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Write a key's cached value",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}
	setCmd.Flags().String("data-dir", "./data/fasq", "Persistence directory")
	setCmd.Flags().Duration("max-age", 5*time.Minute, "TTL of a --secure entry (not applied to non-secure entries)")
	setCmd.Flags().Bool("secure", false, "Mark the entry secure (cleared on app pause/detach)")
	rootCmd.AddCommand(setCmd)

	invalidateCmd := &cobra.Command{
		Use:   "invalidate [key]",
		Short: "Invalidate a cached key and trigger a refetch on any live Query",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvalidate,
	}
	invalidateCmd.Flags().String("data-dir", "./data/fasq", "Persistence directory")
	rootCmd.AddCommand(invalidateCmd)

	prefetchCmd := &cobra.Command{
		Use:   "prefetch [key] [value]",
		Short: "Prefetch a key, seeding the cache with value unless already fresh",
		Args:  cobra.ExactArgs(2),
		RunE:  runPrefetch,
	}
	prefetchCmd.Flags().String("data-dir", "./data/fasq", "Persistence directory")
	rootCmd.AddCommand(prefetchCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or process the durable offline mutation queue",
	}
	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued offline mutations",
		RunE:  runQueueList,
	}
	queueListCmd.Flags().String("data-dir", "./data/fasq", "Persistence directory")
	queueCmd.AddCommand(queueListCmd)

	queueProcessCmd := &cobra.Command{
		Use:   "process",
		Short: "Replay every queued mutation against its registered handler",
		RunE:  runQueueProcess,
	}
	queueProcessCmd.Flags().String("data-dir", "./data/fasq", "Persistence directory")
	queueCmd.AddCommand(queueProcessCmd)
	rootCmd.AddCommand(queueCmd)

	serveDemoCmd := &cobra.Command{
		Use:   "serve-demo",
		Short: "Run a demo Query against a synthetic fetcher and print its state transitions",
		RunE:  runServeDemo,
	}
	rootCmd.AddCommand(serveDemoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fasqctl:", err)
		os.Exit(1)
	}
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg := *config.Default()
	cfg.Persistence.Enabled = true
	cfg.Persistence.Dir = dataDir
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fasqctl: %w", err)
	}
	return client.New(cfg)
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	val, ok := client.GetQueryData[string](c, args[0])
	if !ok {
		return fmt.Errorf("key %q not found", args[0])
	}
	fmt.Println(val)
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	maxAge, _ := cmd.Flags().GetDuration("max-age")
	secure, _ := cmd.Flags().GetBool("secure")
	return client.SetQueryData(c, args[0], args[1], secure, maxAge)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	c.InvalidateQuery(args[0])
	fmt.Printf("invalidated %q\n", args[0])
	return nil
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	key, value := args[0], args[1]
	fetcher := func(ctx context.Context) (string, error) { return value, nil }
	if err := client.PrefetchQuery[string](context.Background(), c, key, fetcher, query.DefaultOptions()); err != nil {
		return fmt.Errorf("prefetch %q: %w", key, err)
	}
	fmt.Printf("prefetched %q\n", key)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	entries := c.Queue().Entries()
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	before := c.Queue().Len()
	if err := c.Queue().ProcessQueue(context.Background()); err != nil {
		return fmt.Errorf("process queue: %w", err)
	}
	after := c.Queue().Len()
	fmt.Printf("processed %d of %d queued mutations, %d remaining\n", before-after, before, after)
	return nil
}

func runServeDemo(cmd *cobra.Command, args []string) error {
	cfg := *config.Default()
	cfg.Persistence.Enabled = false
	c, err := client.New(cfg)
	if err != nil {
		return err
	}

	calls := 0
	fetcher := func(ctx context.Context) (string, error) {
		calls++
		return fmt.Sprintf("demo-value-%d", calls), nil
	}

	q := client.GetQuery[string](c, "demo-key", fetcher, query.DefaultOptions())
	st := q.Subscribe(context.Background())
	fmt.Printf("initial: status=%s fetching=%v\n", st.Status, st.IsFetching)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st = q.Snapshot()
		if !st.IsFetching && st.Status != query.Idle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("settled: status=%s data=%q\n", st.Status, st.Data)
	return nil
}
