package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mindmirror/mindlink/client"
	"github.com/mindmirror/mindlink/mcp"
	"github.com/mindmirror/mindlink/proto"
	"github.com/mindmirror/mindlink/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:          "mindlink",
		Short:        "mindlink: mirror a remotely computed state over an unreliable connection",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := rootCmd.Flags()
	flags.String("config", "", "config file path")
	flags.String("endpoint", "ws://localhost:8080/", "authority endpoint URL")
	flags.Bool("discover", false, "discover the endpoint via mDNS instead of --endpoint")
	flags.Int("pool-size", 1, "parallel connections to the endpoint")
	flags.Duration("reconnect-base", 500*time.Millisecond, "reconnect backoff base delay")
	flags.Duration("reconnect-cap", 30*time.Second, "reconnect backoff delay cap")
	flags.Int("max-reconnect-attempts", -1, "reconnect attempt budget, -1 for unlimited")
	flags.Duration("heartbeat-interval", 15*time.Second, "heartbeat ping interval")
	flags.Duration("message-timeout", 10*time.Second, "default await timeout")
	flags.Int("queue-capacity", 256, "outbound queue capacity")
	flags.Int("buffer-capacity", 512, "offline buffer capacity")
	flags.String("web-addr", "", "serve the status HTTP surface on this address")
	flags.Bool("mcp", false, "serve MCP tools on stdio")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	v.BindPFlags(flags)
	return rootCmd
}

func loadConfig(v *viper.Viper) (client.Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return client.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix("MINDLINK")
	v.AutomaticEnv()

	cfg := client.Config{
		Endpoint:             v.GetString("endpoint"),
		PoolSize:             v.GetInt("pool-size"),
		ReconnectBase:        v.GetDuration("reconnect-base"),
		ReconnectCap:         v.GetDuration("reconnect-cap"),
		MaxReconnectAttempts: v.GetInt("max-reconnect-attempts"),
		HeartbeatInterval:    v.GetDuration("heartbeat-interval"),
		MessageTimeout:       v.GetDuration("message-timeout"),
		QueueCapacity:        v.GetInt("queue-capacity"),
		BufferCapacity:       v.GetInt("buffer-capacity"),
		Platform:             "go-cli",
	}

	if v.GetBool("discover") {
		endpoint, err := client.DiscoverWebSocketEndpoint(5 * time.Second)
		if err != nil {
			return client.Config{}, fmt.Errorf("endpoint discovery: %w", err)
		}
		cfg.Endpoint = endpoint.Endpoint()
	}
	return cfg, nil
}

func run(v *viper.Viper) error {
	setupLogger(v.GetString("log-level"))

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	c := client.NewClient(cfg)
	c.On(proto.TypeStateSync, func(msg proto.Message) {
		snapshot := c.GetState()
		slog.Info("State updated", "value", snapshot.Value, "phase", snapshot.Phase, "trend", c.TrendDirection())
	})
	c.On(client.EventMilestone, func(msg proto.Message) {
		slog.Info("Milestone", "payload", string(msg.Payload))
	})
	c.On(client.EventStatusChange, func(msg proto.Message) {
		slog.Info("Status changed", "payload", string(msg.Payload))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if addr := v.GetString("web-addr"); addr != "" {
		statusServer := web.NewStatusServer(addr, c)
		go func() {
			if err := statusServer.Start(); err != nil {
				slog.Error("Status server failed", "error", err)
			}
		}()
		defer statusServer.Shutdown()
	}

	if v.GetBool("mcp") {
		tools := mcp.NewToolSurface(mcp.NewMCPServer(), c)
		go func() {
			if err := tools.Start(); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
