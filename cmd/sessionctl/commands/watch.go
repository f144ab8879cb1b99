package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/futurebazaar/sessionkit/provider"
	"github.com/futurebazaar/sessionkit/store"
)

func watchCmd() *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the session as other instances sign in and out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			watcher, ok := a.store.(store.Watcher)
			if !ok {
				return errors.New("the configured store cannot report changes from other instances")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			p := provider.New(a.manager,
				provider.WithWatcher(watcher),
				provider.WithRefreshInterval(refresh),
				provider.WithLogger(a.logger),
				provider.WithNavigator(func(_ context.Context, reason provider.Reason) {
					fmt.Fprintf(out, "%s  signed out (%s)\n", time.Now().Format(time.TimeOnly), reason)
				}),
			)
			updates, cancel := p.Subscribe()
			defer cancel()

			if err := p.Start(ctx); err != nil {
				return err
			}
			defer p.Close()

			var last string
			for {
				select {
				case <-ctx.Done():
					return nil
				case st, ok := <-updates:
					if !ok {
						return nil
					}
					line := describeState(st)
					if line == last {
						continue
					}
					last = line
					fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), line)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 0, "re-verification interval while signed in (default from config)")
	return cmd
}

func describeState(st provider.State) string {
	switch {
	case st.Loading:
		return "checking session..."
	case st.Authenticated():
		return "signed in as " + displayName(st.User)
	default:
		return "signed out"
	}
}
