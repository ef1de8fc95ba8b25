package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/screenrec/internal/control"
	"github.com/breeze-rmm/screenrec/internal/recorder"
)

const shutdownTimeout = 10 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the control websocket, /metrics and /healthz",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from control_listen)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	opts := control.Options{
		Recorder:   a.session,
		Transcoder: a.converter,
		Fs:         a.fs,
		SaveDir:    a.cfg.SaveLocation,
	}
	if a.publisher != nil {
		opts.Publisher = a.publisher
	}
	ctl := control.New(opts)

	mux := http.NewServeMux()
	mux.Handle("/ws", ctl)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.Handle("/healthz", a.health)

	addr := a.cfg.ControlListen
	if serveListen != "" {
		addr = serveListen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("control server listening", "addr", addr)
	fmt.Printf("Listening on %s (websocket at /ws)\n", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		ctl.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigChan:
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if st := a.session.State(); st.Status != recorder.StatusIdle {
		if blob, err := a.session.Stop(shutdownCtx); blob != nil && !blob.Empty() {
			if path, ferr := a.finish(shutdownCtx, blob, ""); ferr == nil {
				log.Info("saved recording in progress at shutdown", "path", path)
			}
		} else if err != nil {
			log.Warn("failed to stop recording at shutdown", "error", err.Error())
		}
	}
	a.converter.Cancel()
	ctl.Close()
	return srv.Shutdown(shutdownCtx)
}
