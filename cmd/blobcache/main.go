// Command blobcache inspects and maintains a blobcache database from the
// shell. Values are stored as plain strings under the "cli.string" tag.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentuity/blobcache"
)

// cliTag is the type tag for values written by this tool.
const cliTag = "cli.string"

type fileConfig struct {
	DB         string `yaml:"db"`
	DefaultTTL string `yaml:"default_ttl"`
}

var (
	dbPath     string
	configPath string
	verbose    bool

	cache *blobcache.Cache
)

func openCache() error {
	opts := []blobcache.Option{blobcache.FromEnv()}
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", configPath, err)
		}
		if cfg.DB != "" {
			opts = append(opts, blobcache.WithPath(cfg.DB))
		}
		if cfg.DefaultTTL != "" {
			opts = append(opts, blobcache.WithDefaultTTLString(cfg.DefaultTTL))
		}
	}
	if dbPath != "" {
		opts = append(opts, blobcache.WithPath(dbPath))
	}
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		opts = append(opts, blobcache.WithLogger(log))
	}
	var err error
	cache, err = blobcache.New(opts...)
	return err
}

func main() {
	root := &cobra.Command{
		Use:           "blobcache",
		Short:         "Inspect and maintain a blobcache database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return openCache()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cache != nil {
				return cache.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file (or BLOBCACHE_DB_PATH)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity")

	var ttl string
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a string value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiration []time.Time
			if ttl != "" {
				d, err := str2duration.ParseDuration(ttl)
				if err != nil {
					return fmt.Errorf("parse ttl %q: %w", ttl, err)
				}
				expiration = append(expiration, time.Now().Add(d))
			}
			_, err := blobcache.InsertTagged(cmd.Context(), cache, args[0], cliTag, args[1], expiration...)
			return err
		},
	}
	set.Flags().StringVar(&ttl, "ttl", "", `expiration as a duration, e.g. "90m" or "1d12h"`)

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := blobcache.Get[string](cmd.Context(), cache, args[0])
			if err != nil {
				return err
			}
			fmt.Println(val)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "del <key>",
		Short: "Delete the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := blobcache.InvalidateTagged(cmd.Context(), cache, args[0], cliTag)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d\n", n)
			return nil
		},
	}

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List every key in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cache.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range all {
				fmt.Println(k)
			}
			return nil
		},
	}

	created := &cobra.Command{
		Use:   "created <key>",
		Short: "Print when a key was last inserted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, ok, err := cache.CreatedAt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no entry for %q", args[0])
			}
			fmt.Println(at.Format(time.RFC3339))
			return nil
		},
	}

	vacuum := &cobra.Command{
		Use:   "vacuum",
		Short: "Sweep expired entries and reclaim space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := cache.Vacuum(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d\n", n)
			return nil
		},
	}

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Checkpoint pending writes to the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cache.Flush(cmd.Context())
		},
	}

	root.AddCommand(set, get, del, keys, created, vacuum, flush)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
