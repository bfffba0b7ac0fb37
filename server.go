package mcpserve

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// taskSweepInterval is how often terminal tasks past retention are purged.
const taskSweepInterval = 5 * time.Minute

// Server bundles the protocol engine with a configured transport. Register
// handlers, then Run.
type Server struct {
	opts     *ServerOptions
	logger   *slog.Logger
	level    *slog.LevelVar
	protocol *Protocol
}

// NewServer resolves configuration and builds the engine.
func NewServer(opts ...Option) (*Server, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	logger, level := newLogger(o)
	return &Server{
		opts:     o,
		logger:   logger,
		level:    level,
		protocol: NewProtocol(o, logger, level),
	}, nil
}

// Protocol exposes the engine, mainly for embedding the dispatch loop in a
// custom transport.
func (s *Server) Protocol() *Protocol { return s.protocol }

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// RegisterTool adds a tool and announces the list change.
func (s *Server) RegisterTool(t *ToolHandler) error {
	if err := s.protocol.Registry().RegisterTool(t); err != nil {
		return err
	}
	s.protocol.NotifyToolsListChanged()
	return nil
}

// RegisterResource adds a resource and announces the list change.
func (s *Server) RegisterResource(r *ResourceHandler) error {
	if err := s.protocol.Registry().RegisterResource(r); err != nil {
		return err
	}
	s.protocol.NotifyResourcesListChanged()
	return nil
}

// RegisterResourceTemplate adds a URI-templated resource.
func (s *Server) RegisterResourceTemplate(t *ResourceTemplateHandler) error {
	if err := s.protocol.Registry().RegisterResourceTemplate(t); err != nil {
		return err
	}
	s.protocol.NotifyResourcesListChanged()
	return nil
}

// RegisterPrompt adds a prompt and announces the list change.
func (s *Server) RegisterPrompt(p *PromptHandler) error {
	if err := s.protocol.Registry().RegisterPrompt(p); err != nil {
		return err
	}
	s.protocol.NotifyPromptsListChanged()
	return nil
}

// RegisterCompletion installs an argument completion provider for
// "prompt:<name>" or "resource:<uriTemplate>".
func (s *Server) RegisterCompletion(ref string, fn CompletionFunc) {
	s.protocol.RegisterCompletion(ref, fn)
}

// NotifyResourceUpdated invalidates the resource cache and fans out update
// notifications to subscribed sessions.
func (s *Server) NotifyResourceUpdated(uri string) {
	s.protocol.NotifyResourceUpdated(uri)
}

// Run serves the configured transport until the context is cancelled, then
// drains in-flight requests and terminates sessions.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server",
		"name", s.opts.Name,
		"version", s.opts.Version,
		"transport", s.opts.Transport,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(taskSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.protocol.Tasks().Sweep()
			}
		}
	})

	switch s.opts.Transport {
	case TransportStdio:
		g.Go(func() error {
			return NewStdioTransport(s.protocol, stdin, stdout, s.logger).Run(gctx)
		})
	default:
		g.Go(func() error {
			return NewHTTPTransport(s.protocol, s.opts.AllowedOrigins, s.logger).Serve(gctx, s.opts.Addr, s.opts.ShutdownTimeout)
		})
	}

	err := g.Wait()
	s.protocol.Shutdown(s.opts.ShutdownTimeout)
	if err == context.Canceled {
		return nil
	}
	return err
}
