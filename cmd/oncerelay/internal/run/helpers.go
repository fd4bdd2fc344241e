package run

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/oncerelay/cmd/oncerelay/internal"
	"github.com/tinyland-inc/oncerelay/pkg/bus"
	"github.com/tinyland-inc/oncerelay/pkg/channels"
	"github.com/tinyland-inc/oncerelay/pkg/config"
	"github.com/tinyland-inc/oncerelay/pkg/health"
	"github.com/tinyland-inc/oncerelay/pkg/lifecycle"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
	"github.com/tinyland-inc/oncerelay/pkg/qr"
	"github.com/tinyland-inc/oncerelay/pkg/relay"
	"github.com/tinyland-inc/oncerelay/pkg/session"
)

// ErrLoggedOut is returned when the linked device was removed from the phone.
var ErrLoggedOut = errors.New("session logged out")

type Options struct {
	ConfigPath string
	Debug      bool
}

func runCmd(opts Options) error {
	cfg, err := internal.LoadConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.ConfigureLogger(cfg, opts.Debug); err != nil {
		return fmt.Errorf("error configuring logger: %w", err)
	}

	if err := internal.CheckRuntime(runtime.Version()); err != nil {
		logger.ErrorC("main", err.Error())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return relayLoop(ctx, cfg)
}

func keepAliveAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.KeepAlive.Host, strconv.Itoa(cfg.KeepAlive.Port))
}

// allReady reports ready only while every check passes.
func allReady(checks ...func() bool) func() bool {
	return func() bool {
		for _, check := range checks {
			if !check() {
				return false
			}
		}
		return true
	}
}

func relayLoop(ctx context.Context, cfg *config.Config) error {
	runID := uuid.NewString()
	logger.InfoCF("main", "Starting oncerelay", map[string]any{
		"version": internal.FormatVersion(),
		"run_id":  runID,
		"session": cfg.SessionPath(),
	})

	session.ApplyDeviceProps(cfg.Device.Platform, cfg.Device.OSName)
	sess, err := session.Open(ctx, cfg.SessionPath(), logger.WhatsApp("Database"))
	if err != nil {
		return err
	}
	defer sess.Close()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	channel := channels.NewWhatsAppChannel(sess, msgBus, channels.WithAllowList(cfg.Relay.AllowFrom))
	handler := relay.NewHandler(channel, relay.WithRateLimit(cfg.Relay.RatePerMinute, cfg.Relay.Burst))
	renderer := qr.NewRenderer(qr.WithTerminal(cfg.QR.Terminal), qr.WithPNG(cfg.QRPNGPath()))

	var controller *lifecycle.Controller
	hooks := lifecycle.Hooks{
		ShowQR:    renderer.Show,
		Reconnect: channel.Reconnect,
	}

	var keepAlive *health.Server
	if cfg.KeepAlive.Enabled {
		ready := allReady(
			func() bool { return controller.Ready() },
			channel.IsConnected,
		)
		keepAlive = health.NewServer(keepAliveAddr(cfg), runID, ready)
		hooks.StartKeepAlive = keepAlive.Start
	}

	controller = lifecycle.NewController(hooks, lifecycle.WithDelay(cfg.Reconnect.Delay()))
	channel.OnUpdate(func(u lifecycle.Update) {
		controller.Handle(u)
		if u.Connection == lifecycle.ConnOpen {
			renderer.Clear()
		}
	})

	logger.Go("relay", func() { handler.Run(ctx, msgBus) })

	if err := channel.Start(ctx); err != nil {
		// Same policy as any other drop.
		controller.Handle(lifecycle.Update{
			Connection: lifecycle.ConnClose,
			Cause:      lifecycle.Cause{Err: err},
		})
	}

	var result error
	select {
	case <-ctx.Done():
		logger.InfoC("main", "Shutting down")
	case <-controller.Done():
		result = ErrLoggedOut
	}

	controller.Stop()
	_ = channel.Stop(context.Background())
	if keepAlive != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = keepAlive.Stop(shutdownCtx)
	}
	logger.InfoC("main", "Stopped")
	return result
}
