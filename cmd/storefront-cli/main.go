package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-storefront-payments/internal/config"
	"github.com/imrishuroy/go-storefront-payments/internal/logging"
	"github.com/imrishuroy/go-storefront-payments/internal/reconciler"
)

var Version = "dev"

// builder opens the reconciler for one command run. The returned func
// releases whatever it opened.
type builder func(ctx context.Context, out io.Writer) (*reconciler.Reconciler, func(), error)

func main() {
	root := newRootCmd(fromConfig)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fromConfig(_ context.Context, out io.Writer) (*reconciler.Reconciler, func(), error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel)

	var store reconciler.SessionStore
	release := func() {}
	switch cfg.SessionBackend {
	case config.SessionRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = reconciler.NewRedisSessionStore(client, cfg.DeviceID, cfg.SessionTTL)
		release = func() { _ = client.Close() }
	default:
		store = reconciler.NewFileSessionStore(cfg.SessionFile)
	}

	api := reconciler.NewOrderAPI(cfg.APIBaseURL, cfg.APIUserID, cfg.APIToken, 0)
	r := reconciler.New(store, api, printer(out), logger, reconciler.Options{TTL: cfg.SessionTTL})
	return r, release, nil
}

// printer shows final results to the user.
func printer(out io.Writer) reconciler.Notifier {
	return reconciler.NotifierFunc(func(_ context.Context, res reconciler.Result) {
		switch res.Outcome {
		case reconciler.OutcomeSuccess:
			fmt.Fprintf(out, "Payment approved for order %s.\n", res.OrderID)
		case reconciler.OutcomeFailure:
			fmt.Fprintf(out, "Payment for order %s did not go through (%s).\n", res.OrderID, res.Status)
		default:
			fmt.Fprintf(out, "Payment for order %s is still being processed. You will be notified when it settles.\n", res.OrderID)
		}
	})
}

func newRootCmd(build builder) *cobra.Command {
	root := &cobra.Command{
		Use:           "storefront-cli",
		Short:         "Track storefront checkout sessions until the payment settles",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(sessionCmd(build))
	root.AddCommand(foregroundCmd(build))
	root.AddCommand(statusCmd(build))
	root.AddCommand(clearCmd(build))
	return root
}

func withReconciler(cmd *cobra.Command, build builder, fn func(ctx context.Context, r *reconciler.Reconciler) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, release, err := build(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, r)
}

func sessionCmd(build builder) *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage the payment session",
	}
	start := &cobra.Command{
		Use:   "start [order-id]",
		Short: "Start tracking an order sent to checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pref, _ := cmd.Flags().GetString("preference")
			return withReconciler(cmd, build, func(ctx context.Context, r *reconciler.Reconciler) error {
				s, err := r.StartSession(ctx, args[0], pref)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tracking order %s since %s.\n", s.OrderID, s.StartedAt.Format("15:04:05"))
				return nil
			})
		},
	}
	start.Flags().StringP("preference", "p", "", "Checkout preference id")
	session.AddCommand(start)
	return session
}

func foregroundCmd(build builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreground",
		Short: "Verify the tracked order, as when returning from checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withReconciler(cmd, build, func(ctx context.Context, r *reconciler.Reconciler) error {
				res, err := r.OnForeground(ctx, force)
				if err != nil {
					return err
				}
				switch {
				case res == nil:
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to check.")
				case !res.Final:
					fmt.Fprintf(cmd.OutOrStdout(), "Order %s is still pending.\n", res.OrderID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolP("force", "f", false, "Check even if the last check was moments ago")
	return cmd
}

func statusCmd(build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracked session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd, build, func(ctx context.Context, r *reconciler.Reconciler) error {
				s, err := r.Current(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if s == nil {
					fmt.Fprintln(out, "No payment session.")
					return nil
				}
				fmt.Fprintf(out, "Order:      %s\n", s.OrderID)
				if s.PreferenceID != "" {
					fmt.Fprintf(out, "Preference: %s\n", s.PreferenceID)
				}
				fmt.Fprintf(out, "Phase:      %s\n", s.Phase)
				fmt.Fprintf(out, "Started:    %s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
				if !s.LastCheckedAt.IsZero() {
					fmt.Fprintf(out, "Checked:    %s\n", s.LastCheckedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}

func clearCmd(build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Stop tracking without a result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd, build, func(ctx context.Context, r *reconciler.Reconciler) error {
				if err := r.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
				return nil
			})
		},
	}
}
