package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/banstore"
	"github.com/cuemby/burrow/pkg/control"
	"github.com/cuemby/burrow/pkg/ident"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reqworker"
	"github.com/cuemby/burrow/pkg/resolver"
	"github.com/cuemby/burrow/pkg/streamworker"
	"github.com/cuemby/burrow/pkg/supervisor"
	"github.com/cuemby/burrow/pkg/types"
)

// Worker commands are started by serve, never by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a helper process",
	Hidden: true,
}

var workerStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Bridge handed-off connections (TLS, compression)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statsInterval, _ := cmd.Flags().GetDuration("stats-interval")
		level, _ := cmd.Flags().GetInt("compress-level")

		return runWorker(types.WorkerKindStream, func(ctx context.Context, in *supervisor.Inherited) error {
			if in.Control == nil {
				return errors.New("no control socket inherited")
			}
			link := control.NewLink(in.Control)
			in.Control = nil
			return streamworker.Run(ctx, streamworker.Config{
				Link:          link,
				StatsInterval: statsInterval,
				CompressLevel: level,
			})
		})
	},
}

var workerResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Answer DNS lookups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		upstream, _ := cmd.Flags().GetStringSlice("upstream")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		cacheSize, _ := cmd.Flags().GetInt("cache-size")

		r := resolver.New(resolver.Config{Upstream: upstream, Timeout: timeout, CacheSize: cacheSize})
		return serveRequests(types.WorkerKindResolver, &resolver.Handler{Resolver: r})
	},
}

var workerIdentCmd = &cobra.Command{
	Use:   "ident",
	Short: "Answer RFC 1413 ident lookups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := ident.NewClient()
		c.Timeout, _ = cmd.Flags().GetDuration("timeout")
		return serveRequests(types.WorkerKindIdent, &ident.Handler{Client: c})
	},
}

var workerBanStoreCmd = &cobra.Command{
	Use:   "banstore",
	Short: "Serve the ban store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		purge, _ := cmd.Flags().GetDuration("purge-interval")

		store, err := banstore.NewBoltStore(path)
		if err != nil {
			return err
		}
		defer store.Close()

		return runWorker(types.WorkerKindBanStore, func(ctx context.Context, in *supervisor.Inherited) error {
			if in.Data == nil {
				return errors.New("no data socket inherited")
			}
			go banstore.RunPurger(ctx, store, purge)
			return reqworker.Serve(ctx, in.Data, &banstore.Handler{Store: store}, reqworker.ServeOptions{})
		})
	},
}

func init() {
	workerCmd.AddCommand(workerStreamCmd)
	workerCmd.AddCommand(workerResolveCmd)
	workerCmd.AddCommand(workerIdentCmd)
	workerCmd.AddCommand(workerBanStoreCmd)

	workerStreamCmd.Flags().Duration("stats-interval", streamworker.DefaultStatsInterval, "Period of traffic reports to the main process")
	workerStreamCmd.Flags().Int("compress-level", streamworker.DefaultCompressLevel, "Deflate level for compressed listeners")

	workerResolveCmd.Flags().StringSlice("upstream", nil, "Upstream nameservers (default: from /etc/resolv.conf)")
	workerResolveCmd.Flags().Duration("timeout", resolver.DefaultTimeout, "Per-query timeout")
	workerResolveCmd.Flags().Int("cache-size", 1024, "Answer cache entries (0 disables)")

	workerIdentCmd.Flags().Duration("timeout", ident.DefaultTimeout, "Per-query timeout")

	workerBanStoreCmd.Flags().String("db", "/var/lib/burrow/bans.db", "Ban database file")
	workerBanStoreCmd.Flags().Duration("purge-interval", banstore.DefaultPurgeInterval, "Period of expired-ban removal")
}

func serveRequests(kind types.WorkerKind, h reqworker.Handler) error {
	return runWorker(kind, func(ctx context.Context, in *supervisor.Inherited) error {
		if in.Data == nil {
			return errors.New("no data socket inherited")
		}
		return reqworker.Serve(ctx, in.Data, h, reqworker.ServeOptions{})
	})
}

// runWorker takes over the inherited handles and runs fn until it returns
// or SIGTERM arrives. SIGINT is ignored: a terminal's Ctrl+C reaches the
// whole process group and the main process decides when helpers stop.
func runWorker(kind types.WorkerKind, fn func(ctx context.Context, in *supervisor.Inherited) error) error {
	in, err := supervisor.Inherit()
	if err != nil {
		return err
	}
	defer in.Close()

	logger := log.WithWorker(string(kind), in.WorkerID)
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	logger.Debug().Int("pid", os.Getpid()).Msg("worker running")
	err = fn(ctx, in)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed")
		return err
	}
	logger.Debug().Msg("worker exiting")
	return nil
}
