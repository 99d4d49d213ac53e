// Command aoxd starts the injector daemon and exposes the administrative
// subcommands (undelete and friends) that operate against the same
// configuration and database.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/copernicus/aox/admin"
	"github.com/copernicus/aox/config"
	"github.com/copernicus/aox/mlog"
	"github.com/copernicus/aox/store"
)

var cmdlog = mlog.New("aoxd")

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "aoxd",
		Short: "injector daemon and administrative commands",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/aox/aox.conf", "path to static configuration")

	root.AddCommand(serveCmd())
	root.AddCommand(undeleteCmd())

	if err := root.Execute(); err != nil {
		cmdlog.Fatal(err.Error())
	}
}

func loadConfig() (*config.Static, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := c.SetLogLevels(); err != nil {
		return nil, err
	}
	return c, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the injector daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			pool, err := store.NewPool(ctx, c.PoolConfig())
			if err != nil {
				return fmt.Errorf("starting connection pool: %w", err)
			}
			defer pool.Close()

			var peer store.PeerBroadcaster = store.NopPeerBroadcaster{}
			if c.PeerControl != "" {
				pb, err := newUnixPeerBroadcaster(c.PeerControl)
				if err != nil {
					return fmt.Errorf("connecting peer control socket: %w", err)
				}
				defer pb.Close()
				peer = pb
			}

			stopSwitchboard := store.StartSwitchboard(peer)
			defer stopSwitchboard()

			if c.MetricsAddr != "" {
				srv := &http.Server{Addr: c.MetricsAddr, Handler: promhttp.Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						cmdlog.Errorx("metrics listener stopped", err)
					}
				}()
				defer srv.Close()
			}

			cmdlog.Print("aoxd running", mlog.Field("metrics", c.MetricsAddr))
			<-ctx.Done()
			cmdlog.Print("aoxd shutting down")
			return nil
		},
	}
}

func undeleteCmd() *cobra.Command {
	var deletedBy, reason string
	var uidsCSV string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "undelete <mailbox>",
		Short: "restore deleted messages from deleted_messages back into a mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := store.NewPool(ctx, c.PoolConfig())
			if err != nil {
				return fmt.Errorf("starting connection pool: %w", err)
			}
			defer pool.Close()

			sel := admin.Selector{DeletedBy: deletedBy, Reason: reason}
			if uidsCSV != "" {
				uids, err := parseUIDList(uidsCSV)
				if err != nil {
					return err
				}
				sel.UIDs = uids
			}

			res, err := admin.Undelete(ctx, pool, store.NopPeerBroadcaster{}, args[0], sel)
			if err != nil {
				return err
			}

			fmt.Printf("restored %d message(s) into %q\n", len(res.Restored), args[0])
			if verbose {
				for i, r := range res.Restored {
					fmt.Printf("  uid %d -> %d: deleted by %s at %s (%s)\n",
						r.OldUID, res.NewUIDs[i], r.DeletedBy, r.DeletedAt.Format("2006-01-02T15:04:05Z07:00"), r.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&deletedBy, "deleted-by", "", "restrict to rows deleted by this account")
	cmd.Flags().StringVar(&reason, "reason", "", "restrict to rows with this deletion reason")
	cmd.Flags().StringVar(&uidsCSV, "uids", "", "comma-separated list of original uids to restore (default: all matching)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print who deleted / when / reason per restored message")

	return cmd
}

func parseUIDList(csv string) ([]store.UID, error) {
	parts := strings.Split(csv, ",")
	uids := make([]store.UID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, fmt.Errorf("invalid uid %q: %w", p, err)
		}
		uids = append(uids, store.UID(n))
	}
	return uids, nil
}
