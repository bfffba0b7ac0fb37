package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcpserve/mcpserve"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	opts := []mcpserve.Option{
		mcpserve.WithName("mcpserve-demo"),
		mcpserve.WithVersion("0.1.0"),
		mcpserve.WithInstructions("Demo server exposing echo, slow work, and a few resources."),
	}
	if *configPath != "" {
		opts = append(opts, mcpserve.WithConfigFile(*configPath))
	}
	if *addr != "" {
		opts = append(opts, mcpserve.WithAddr(*addr))
	}

	srv, err := mcpserve.NewServer(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if err := register(srv); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func register(srv *mcpserve.Server) error {
	err := srv.RegisterTool(&mcpserve.ToolHandler{
		Name:        "echo",
		Description: "Echo the input back, optionally uppercased",
		Fields: []mcpserve.Field{
			{Name: "text", Type: mcpserve.TypeString, Description: "Text to echo", Required: true},
			{Name: "upper", Type: mcpserve.TypeBoolean, Description: "Uppercase the result", Default: false},
		},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			text := args["text"].(string)
			if upper, _ := args["upper"].(bool); upper {
				text = strings.ToUpper(text)
			}
			return text, nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.RegisterTool(&mcpserve.ToolHandler{
		Name:        "slow_count",
		Description: "Count to n slowly, reporting progress",
		LongRunning: true,
		Fields: []mcpserve.Field{
			{Name: "n", Type: mcpserve.TypeInteger, Description: "How far to count", Required: true},
		},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			n := args["n"].(int64)
			total := float64(n)
			for i := int64(1); i <= n; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Second):
				}
				mcpserve.SendProgress(ctx, float64(i), &total, fmt.Sprintf("counted to %d", i))
			}
			return map[string]any{"counted": n}, nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.RegisterResource(&mcpserve.ResourceHandler{
		URI:         "time://now",
		Name:        "Current time",
		Description: "Server time in RFC 3339",
		MimeType:    "text/plain",
		CacheTTL:    time.Second,
		Fn: func(ctx context.Context) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.RegisterResourceTemplate(&mcpserve.ResourceTemplateHandler{
		URITemplate: "greeting://{name}",
		Name:        "Greeting",
		MimeType:    "text/plain",
		Fn: func(ctx context.Context, vars map[string]string) (any, error) {
			return "Hello, " + vars["name"] + "!", nil
		},
	})
	if err != nil {
		return err
	}

	err = srv.RegisterPrompt(&mcpserve.PromptHandler{
		Name:        "summarize",
		Description: "Summarize a block of text",
		Arguments: []mcpserve.Field{
			{Name: "text", Type: mcpserve.TypeString, Description: "Text to summarize", Required: true},
			{Name: "style", Type: mcpserve.TypeString, Description: "Summary style", Enum: []string{"brief", "detailed"}, Default: "brief"},
		},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			style, _ := args["style"].(string)
			return fmt.Sprintf("Please write a %s summary of the following:\n\n%v", style, args["text"]), nil
		},
	})
	if err != nil {
		return err
	}

	srv.RegisterCompletion("prompt:summarize", func(ctx context.Context, argument, value string) ([]string, error) {
		if argument != "style" {
			return nil, nil
		}
		var out []string
		for _, s := range []string{"brief", "detailed"} {
			if strings.HasPrefix(s, value) {
				out = append(out, s)
			}
		}
		return out, nil
	})
	return nil
}
