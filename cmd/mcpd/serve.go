package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leehack/mcp-go/auth"
	redisstore "github.com/leehack/mcp-go/eventstore/redis"
	"github.com/leehack/mcp-go/internal/logctx"
	"github.com/leehack/mcp-go/mcp"
	"github.com/leehack/mcp-go/server"
	"github.com/leehack/mcp-go/stdio"
	"github.com/leehack/mcp-go/streaminghttp"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio or streaming HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveLoop(cmd, configPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.String("transport", "", "transport to serve on (stdio or http)")
	flags.String("listen", "", "host:port for the http transport")
	return cmd
}

// serveLoop runs the server and restarts it whenever the config file
// changes. It returns once the command context is cancelled.
func serveLoop(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	for {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd.Flags(), cfg)

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		var stopWatch func()
		if configPath != "" {
			stopWatch, err = watchConfig(runCtx, configPath, log, cancel)
			if err != nil {
				log.Warn("config.watch.fail", slog.String("err", err.Error()))
			}
		}

		err = run(runCtx, cfg, log)
		reloading := runCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if stopWatch != nil {
			stopWatch()
		}
		if ctx.Err() != nil {
			return nil
		}
		if !reloading {
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		}
		log.Info("config.reload")
	}
}

func applyFlagOverrides(flags *pflag.FlagSet, cfg *Config) {
	if t, _ := flags.GetString("transport"); t != "" {
		cfg.Transport = t
	}
	if l, _ := flags.GetString("listen"); l != "" {
		cfg.Listen = l
	}
}

func newLogger(cfg *Config) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	switch cfg.LogFormat {
	case "json":
		inner = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		inner = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return slog.New(logctx.Handler{Handler: inner}), nil
}

// watchConfig triggers reload by cancelling the run context when the config
// file is written. Editors often replace the file, so the parent directory
// is watched and events are filtered by name.
func watchConfig(ctx context.Context, path string, log *slog.Logger, reload context.CancelFunc) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Info("config.change", slog.String("path", path))
				reload()
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}

func run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	srv := newBuiltinServer(log)

	switch cfg.Transport {
	case "stdio":
		log.Info("serve.stdio")
		return srv.Serve(ctx, stdio.New(stdio.WithLogger(log)))
	case "http":
		return runHTTP(ctx, cfg, srv, log)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func runHTTP(ctx context.Context, cfg *Config, srv *server.Server, log *slog.Logger) error {
	opts := []streaminghttp.HandlerOption{
		streaminghttp.WithLogger(log),
		streaminghttp.WithSessionIdleTimeout(cfg.SessionIdleTimeout),
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		defer client.Close()
		opts = append(opts, streaminghttp.WithEventStore(redisstore.New(redisstore.Config{Client: client})))
	}

	if authn := buildAuthenticator(cfg.Auth); authn != nil {
		opts = append(opts, streaminghttp.WithAuthenticator(authn))
	}

	handler := streaminghttp.NewHandler(srv.Bind, opts...)
	defer handler.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("serve.http", slog.String("listen", cfg.Listen))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func buildAuthenticator(cfg AuthConfig) auth.Authenticator {
	if cfg.JWTSecret != "" {
		return &auth.JWTAuthenticator{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}
	}
	if len(cfg.Tokens) > 0 {
		return &auth.StaticTokenAuthenticator{Tokens: cfg.Tokens}
	}
	return nil
}

// newBuiltinServer assembles the small demo surface mcpd serves.
func newBuiltinServer(log *slog.Logger) *server.Server {
	srv := server.New(
		server.WithServerInfo(mcp.ImplementationInfo{Name: "mcpd", Version: version}),
		server.WithInstructions("A scaffolding MCP server with an echo tool, a clock resource, and a greeting prompt."),
		server.WithLogger(log),
	)

	type echoArgs struct {
		Text string `json:"text" jsonschema:"minLength=1"`
	}
	if err := server.RegisterTypedTool(srv, "echo", "echoes the input text back", func(ctx context.Context, cc *server.ClientConn, args echoArgs) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(args.Text)}}, nil
	}); err != nil {
		panic(err)
	}

	if err := srv.RegisterResource(mcp.Resource{
		URI:      "clock://now",
		Name:     "now",
		MimeType: "text/plain",
	}, func(ctx context.Context, cc *server.ClientConn, uri string) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{{URI: uri, MimeType: "text/plain", Text: time.Now().UTC().Format(time.RFC3339)}}, nil
	}); err != nil {
		panic(err)
	}

	if err := srv.RegisterPrompt(mcp.Prompt{
		Name:        "greeting",
		Description: "a friendly greeting",
		Arguments:   []mcp.PromptArgument{{Name: "name", Required: true}},
	}, func(ctx context.Context, cc *server.ClientConn, args map[string]string) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent("Please greet " + args["name"] + " warmly."),
			}},
		}, nil
	}); err != nil {
		panic(err)
	}

	return srv
}
