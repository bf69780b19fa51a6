package commands

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdb/velox/pkg/config"
	"github.com/veloxdb/velox/pkg/httpapi"
	"github.com/veloxdb/velox/pkg/logging"
	"github.com/veloxdb/velox/pkg/shutdown"
	"github.com/veloxdb/velox/pkg/store"
	"github.com/veloxdb/velox/pkg/vector"
)

var (
	serveConfigPath string
	serveListenAddr string
	serveRateLimit  float64
	serveRateBurst  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collection's HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "vdb.yaml", "path to the collection's config file")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", ":8080", "address to listen on")
	serveCmd.Flags().Float64Var(&serveRateLimit, "rate-limit", 50, "requests/second allowed per remote address (0 disables)")
	serveCmd.Flags().IntVar(&serveRateBurst, "rate-burst", 100, "token bucket burst size")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Named("serve")

	cfg, err := config.LoadConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(store.Options{Dir: cfg.Path})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	idx := vector.NewIndex(st, vector.Config{
		Dimension:      cfg.Dimension,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		Seed:           1,
	})
	if graphBytes, err := st.LoadGraph(); err == nil {
		if err := idx.Load(bytes.NewReader(graphBytes)); err != nil {
			log.Warn("discarding unreadable persisted graph: %v", err)
		} else {
			log.Info("loaded persisted graph")
		}
	}

	srv := httpapi.New(idx, st, cfg, serveRateLimit, serveRateBurst)

	sh := shutdown.Default()
	sh.SetTimeout(15 * time.Second)

	serverCtx, cancelServer := context.WithCancel(context.Background())
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe(serverCtx, serveListenAddr)
	}()

	sh.Register("http-server", 0, func(ctx context.Context) error {
		cancelServer()
		return nil
	})
	sh.Register("save-graph", 10, func(ctx context.Context) error {
		var buf bytes.Buffer
		if err := idx.Save(&buf); err != nil {
			return fmt.Errorf("serializing graph: %w", err)
		}
		return st.SaveGraph(buf.Bytes())
	})
	sh.Register("close-store", 20, func(ctx context.Context) error {
		return st.Close()
	})

	sh.Start()
	log.Info("listening on %s", serveListenAddr)

	select {
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http server exited: %v", err)
		}
	case <-sh.Done():
	}
	sh.Shutdown()
	sh.Wait()
	return nil
}
