package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Tyrowin/lanchat/internal/discovery"
	"github.com/Tyrowin/lanchat/internal/server"
	"github.com/Tyrowin/lanchat/internal/transfer"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"golang.org/x/sync/errgroup"
)

const websocketTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

// run wires every component and blocks until a shutdown signal or a
// listener failure. It returns the process exit code.
func run() int {
	_ = godotenv.Load()

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		return 1
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	store, err := transfer.Open(cfg.StorageDir)
	if err != nil {
		log.Error("Opening transfer store failed", "dir", cfg.StorageDir, "error", err)
		return 1
	}
	defer func() {
		log.Info("Closing transfer store...")
		_ = store.Close()
	}()

	hub := server.NewHub(*cfg, log)

	chat, err := server.ListenChat(cfg.ChatAddr(), hub)
	if err != nil {
		log.Error("Starting chat listener failed", "error", err)
		return 1
	}

	transferHandler := transfer.NewHandler(store, hub.Router(), log, int64(cfg.MaxUploadSize))
	transferServer := server.CreateServer(cfg.TransferAddr(), transferHandler.Routes(), 0)

	var websocketServer *http.Server
	if addr := cfg.WebSocketAddr(); addr != "" {
		websocketServer = server.CreateServer(addr, server.SetupRoutes(hub), websocketTimeout)
	}

	var advertiser *discovery.Advertiser
	if cfg.DiscoveryEnabled {
		advertiser, err = discovery.Advertise(discovery.Config{
			Instance:     cfg.ServiceName,
			ChatPort:     cfg.ChatPort,
			TransferPort: cfg.TransferPort,
		})
		if err != nil {
			log.Warn("mDNS advertisement unavailable", "error", err)
		}
	}

	group, groupCtx := errgroup.WithContext(context.Background())
	group.Go(chat.Serve)
	group.Go(func() error {
		return server.StartServer(transferServer, log)
	})
	if websocketServer != nil {
		group.Go(func() error {
			return server.StartServer(websocketServer, log)
		})
	}

	log.Info("LAN chat relay started",
		"chat", cfg.ChatAddr(),
		"transfer", cfg.TransferAddr(),
		"websocket", cfg.WebSocketAddr(),
		"discovery", advertiser != nil)

	operations := shutdownOperations(cfg, log, hub, chat, transferServer, websocketServer, advertiser)
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, operations)

	select {
	case exitCode := <-wait:
		if err := group.Wait(); err != nil {
			log.Error("Listener stopped with error", "error", err)
		}
		log.Info("Program stopped", "exitCode", exitCode)
		return exitCode
	case <-groupCtx.Done():
		err := group.Wait()
		log.Error("Listener failed; shutting down", "error", err)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for name, operation := range operations {
			if err := operation(ctx); err != nil {
				log.Warn("Shutdown step failed", "step", name, "error", err)
			}
		}
		return 1
	}
}

func shutdownOperations(
	cfg *server.Config,
	log *slog.Logger,
	hub *server.Hub,
	chat *server.ChatServer,
	transferServer *http.Server,
	websocketServer *http.Server,
	advertiser *discovery.Advertiser,
) map[string]gfshutdown.Operation {
	operations := map[string]gfshutdown.Operation{
		"chat": func(context.Context) error {
			if err := chat.Close(); err != nil {
				return err
			}
			return hub.Shutdown(cfg.ShutdownTimeout)
		},
		"transfer": func(ctx context.Context) error {
			return server.ShutdownServer(ctx, transferServer, log)
		},
		"discovery": func(context.Context) error {
			advertiser.Stop()
			return nil
		},
	}
	if websocketServer != nil {
		operations["websocket"] = func(ctx context.Context) error {
			return server.ShutdownServer(ctx, websocketServer, log)
		}
	}
	return operations
}
