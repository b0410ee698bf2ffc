package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	hrfsring "go-hrfsring"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	// Logs go to stderr so they don't get cleared by status updates
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runNode(ctx context.Context, s settings) error {
	var logger = newLogger(s.LogLevel)

	fmt.Printf("Connecting to %s backend...\n", s.Backend)
	var b, err = openBackend(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("failed to close backend", "error", err)
		}
	}()

	var (
		registry  = prometheus.NewRegistry()
		connector = &trackingConnector{Connector: b.connector}
	)
	manager, err := hrfsring.NewRingManager(ctx, connector, s, s.ringConfig(),
		hrfsring.WithLogger(logger),
		hrfsring.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to start ring manager: %w", err)
	}

	fmt.Printf("Joining ring at %s as %s...\n", s.RingPath, manager.NodeID())
	if _, err := manager.JoinRing(ctx); err != nil {
		_ = manager.Close(ctx)
		return fmt.Errorf("failed to join ring: %w", err)
	}
	fmt.Printf("✓ Successfully joined ring!\n\n")

	// Initialize keyboard
	if err := keyboard.Open(); err != nil {
		_ = manager.Close(ctx)
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var (
		sigCtx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		g, gctx      = errgroup.WithContext(sigCtx)
		keyCh        = make(chan rune)
	)
	defer stop()

	// Keyboard input
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			select {
			case keyCh <- char:
			case <-gctx.Done():
				return
			}
		}
	}()

	if s.MetricsAddr != "" {
		var server = &http.Server{
			Addr:              s.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return controlLoop(gctx, manager, connector, keyCh)
	})

	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	if sigCtx.Err() != nil && ctx.Err() == nil {
		fmt.Printf("\n\n💥 Received signal, crashing immediately (no cleanup)...\n")
		os.Exit(1)
	}
	return err
}

var errQuit = errors.New("quit")

func controlLoop(ctx context.Context, manager *hrfsring.RingManager, connector *trackingConnector, keyCh <-chan rune) error {
	// Periodic status updates
	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	printStatus(manager)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			printStatus(manager)
		case key := <-keyCh:
			switch key {
			case 'j', 'J':
				if _, err := manager.JoinRing(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "\n❌ Failed to join: %v\n", err)
				}
			case 'l', 'L':
				if _, err := manager.LeaveRing(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "\n❌ Failed to leave: %v\n", err)
				}
			case 'd', 'D':
				if manager.Serving() {
					fmt.Fprintf(os.Stderr, "\n🔌 Dropping the coordination session...\n")
					if err := connector.drop(); err != nil {
						fmt.Fprintf(os.Stderr, "❌ Failed to drop session: %v\n", err)
					}
				}
			case 'r', 'R':
				if !manager.Serving() {
					fmt.Fprintf(os.Stderr, "\n🔌 Reconnecting...\n")
					if err := manager.Reconnect(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "❌ Failed to reconnect: %v\n", err)
						break
					}
					if _, err := manager.JoinRing(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "❌ Failed to rejoin ring: %v\n", err)
						break
					}
					fmt.Fprintf(os.Stderr, "✓ Reconnected and rejoined ring\n")
				}
			case 'c', 'C':
				fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
				os.Exit(1)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				return quit(ctx, manager)
			}
		}
	}
}

// quit leaves the ring unless this node is its last member, then closes.
func quit(ctx context.Context, manager *hrfsring.RingManager) error {
	if manager.Serving() {
		switch _, err := manager.LeaveRing(ctx); {
		case err == nil:
			fmt.Printf("✓ Gracefully left ring\n")
		case errors.Is(err, hrfsring.ErrLastMember):
			fmt.Printf("✓ Last member, the ring stays published\n")
		default:
			fmt.Fprintf(os.Stderr, "❌ Failed to leave ring: %v\n", err)
		}
	}

	if err := manager.Close(ctx); err != nil {
		return fmt.Errorf("failed to close ring manager: %w", err)
	}
	return errQuit
}

func printStatus(manager *hrfsring.RingManager) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Printf("Node %s\n%s\n\n", manager.NodeID(), manager.Self())

	if ring := manager.Ring(); ring != nil {
		fmt.Println(ring.String())
	} else {
		fmt.Println("(no ring)")
	}

	var serving = manager.Serving()
	if !serving {
		fmt.Printf("\n⚠️  SESSION LOST, NOT SERVING\n")
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [j] Join ring\n")
	fmt.Printf("  [l] Leave ring\n")
	if serving {
		fmt.Printf("  [d] Drop the coordination session\n")
	} else {
		fmt.Printf("  [r] Reconnect and rejoin\n")
	}
	fmt.Printf("  [c] Crash without cleanup\n")
	fmt.Printf("  [q] Quit gracefully\n")
}
