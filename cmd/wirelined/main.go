// Command wirelined runs the broker daemon: one listener accepting both
// raw-framing and WebSocket clients, an optional TLS listener with the
// same mix, and an ops endpoint serving prometheus metrics.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wireline-mq/wireline/internal/server"
	"github.com/wireline-mq/wireline/internal/session"
	"github.com/wireline-mq/wireline/internal/stats"
)

func main() {
	var (
		listenAddr string
		tlsAddr    string
		tlsCert    string
		tlsKey     string
		opsAddr    string
	)

	root := &cobra.Command{
		Use:   "wirelined",
		Short: "wireline message broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			reg := prometheus.NewRegistry()
			sink := stats.NewProm(reg)
			hub := session.NewHub(logger)

			cfg := server.Config{
				Addr:           listenAddr,
				SessionFactory: hub.NewSession,
				Stats:          sink,
				Logger:         logger,
			}
			if tlsAddr != "" {
				cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
				if err != nil {
					return fmt.Errorf("load TLS keypair: %w", err)
				}
				cfg.TLSAddr = tlsAddr
				cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			}

			srv := server.New(cfg)

			ops := chi.NewRouter()
			ops.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			ops.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			opsSrv := &http.Server{Addr: opsAddr, Handler: ops}
			go func() {
				logger.Info("ops endpoint up", "addr", opsAddr)
				if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("ops endpoint failed", "error", err)
				}
			}()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				opsSrv.Close()
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
				srv.Stop()
				opsSrv.Close()
				return nil
			}
		},
	}

	root.Flags().StringVar(&listenAddr, "listen", ":7380", "broker listen address (raw framing and WebSocket)")
	root.Flags().StringVar(&tlsAddr, "tls-listen", "", "optional TLS listen address")
	root.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file")
	root.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file")
	root.Flags().StringVar(&opsAddr, "ops-listen", ":9380", "ops endpoint address (/metrics, /healthz)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
