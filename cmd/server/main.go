package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iliamunaev/checkout-relay/internal/app"
	"github.com/iliamunaev/checkout-relay/internal/config"
	"github.com/iliamunaev/checkout-relay/internal/payload"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "checkout-relay",
		Short:         "Payment webhook reconciliation and checkout proxy",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configFile, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (default $CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configFile, cmd.ErrOrStderr())
		},
	})
	root.AddCommand(classifyCmd())

	return root
}

// serve runs the server until SIGINT or SIGTERM, then drains in-flight
// requests. The write timeout leaves room for the gateway's own timeout.
func serve(ctx context.Context, configFile string, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := app.NewLogger(cfg, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := newServer(cfg, a.Handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "inflight", a.Inflight())

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(sctx), a.Close(sctx))
	})

	return g.Wait()
}

func newServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type classifyOutput struct {
	Encoding       payload.Encoding       `json:"encoding"`
	OrderNumber    string                 `json:"orderNumber"`
	Classification payload.Classification `json:"classification"`
	Outcome        string                 `json:"outcome"`
	Body           map[string]any         `json:"body"`
}

// classifyCmd replays a stored notification body through the normalizer.
func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [file|-]",
		Short: "Decode a raw notification body and print how it classifies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			n, err := payload.Normalize(nil, in)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(classifyOutput{
				Encoding:       n.Encoding,
				OrderNumber:    n.OrderNumber,
				Classification: n.Status,
				Outcome:        n.Status.Outcome().String(),
				Body:           n.Body,
			})
		},
	}
}
