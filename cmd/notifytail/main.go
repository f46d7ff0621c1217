// notifytail subscribes to a user's notification stream and prints each
// delivered notification, one line per event. It is the smoke-test tool for
// the delivery client: point it at an environment, watch events arrive, and
// see transport failovers in the debug log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chatlinkhq/chatlink-go/internal/app"
	"github.com/chatlinkhq/chatlink-go/notifications"
	"github.com/chatlinkhq/chatlink-go/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notifytail", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		configPath string
		userID     string
		interval   time.Duration
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")
	fs.StringVar(&userID, "user", "", "User id to subscribe for")
	fs.DurationVar(&interval, "interval", 0, "Polling interval override")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if userID == "" {
		return errors.New("a -user id is required")
	}

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithComponent("notifytail")

	opts := []notifications.Option{
		notifications.WithBaseURL(cfg.API.BaseURL),
		notifications.WithStatusGate(cfg.Client.StatusGate),
	}
	if cfg.API.PushURL != "" {
		opts = append(opts, notifications.WithPushURL(cfg.API.PushURL))
	}
	if cfg.API.Token != "" {
		opts = append(opts, notifications.WithAuthToken(cfg.API.Token))
	}
	if cfg.API.Timeout > 0 {
		opts = append(opts, notifications.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}))
	}
	switch {
	case interval > 0:
		opts = append(opts, notifications.WithPollingInterval(interval))
	case cfg.Client.PollInterval > 0:
		opts = append(opts, notifications.WithPollingInterval(cfg.Client.PollInterval))
	}

	sub, err := notifications.Subscribe(userID, printNotification, opts...)
	if err != nil {
		return err
	}
	defer sub.Stop()

	if count, err := sub.UnreadCount(ctx); err == nil {
		fmt.Printf("unread: %d\n", count)
	} else {
		log.Warn("unread count unavailable", zap.Error(err))
	}

	log.Info("subscribed", zap.String("user_id", userID), zap.String("state", sub.State().String()))
	<-ctx.Done()

	log.Info("shutting down")
	return sub.Close()
}

func printNotification(n notifications.Notification) {
	fmt.Printf("%s  [%s] %s: %s\n", n.CreatedAt.Format(time.RFC3339), n.Type, n.Title, n.Message)
}
