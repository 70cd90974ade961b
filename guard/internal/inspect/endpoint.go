package inspect

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one transport-independent operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

type contextKey string

const (
	transportKey contextKey = "inspect_transport" // "http", "mcp", "mcp_quic"
	sessionKey   contextKey = "inspect_session"
)

// WithTransport tags ctx with the transport serving the call.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// Transport returns the transport tag, "http" when unset.
func Transport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

// WithSessionID tags ctx with an MCP session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionID returns the MCP session id, if any.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey).(string)
	return v
}

// Logging logs every call at Info, failures at Warn.
func Logging(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{"op", op, "transport", Transport(ctx), "duration", time.Since(start)}
			if id := SessionID(ctx); id != "" {
				attrs = append(attrs, "session", id)
			}
			if err != nil {
				logger.Warn("inspect: call failed", append(attrs, "error", err)...)
			} else {
				logger.Info("inspect: call", attrs...)
			}
			return resp, err
		}
	}
}

// Timeout bounds every call by d.
func Timeout(d time.Duration) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// pageRequest addresses one page.
type pageRequest struct {
	Page string `json:"page"`
}

type verboseRequest struct {
	Page string `json:"page"`
	On   *bool  `json:"on,omitempty"` // nil reads without changing
}

type countResponse struct {
	Page  string `json:"page"`
	Count int    `json:"count"`
}

type verboseResponse struct {
	Page    string `json:"page"`
	Verbose bool   `json:"verbose"`
}

type htmlResponse struct {
	Page string `json:"page"`
	HTML string `json:"html"`
}

type pagesResponse struct {
	Pages []string `json:"pages"`
}

// Endpoints are the operations shared by every transport.
type Endpoints struct {
	Pages        Endpoint
	Rescan       Endpoint
	RemoveBadges Endpoint
	Restore      Endpoint
	Verbose      Endpoint
	Stats        Endpoint
	HTML         Endpoint
}

// DefaultTimeout bounds each operation.
const DefaultTimeout = 10 * time.Second

// NewEndpoints builds the operations over reg, wrapped in logging and a
// timeout.
func NewEndpoints(reg Registry, logger *slog.Logger) Endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	wrap := func(op string, e Endpoint) Endpoint {
		return Chain(Logging(logger, op), Timeout(DefaultTimeout))(e)
	}
	return Endpoints{
		Pages: wrap("pages", func(_ context.Context, _ any) (any, error) {
			return pagesResponse{Pages: reg.Pages()}, nil
		}),
		Rescan: wrap("rescan", func(ctx context.Context, req any) (any, error) {
			r := req.(*pageRequest)
			p, err := page(reg, r.Page)
			if err != nil {
				return nil, err
			}
			return p.Rescan(ctx)
		}),
		RemoveBadges: wrap("remove_badges", func(ctx context.Context, req any) (any, error) {
			r := req.(*pageRequest)
			p, err := page(reg, r.Page)
			if err != nil {
				return nil, err
			}
			n, err := p.RemoveBadges(ctx)
			if err != nil {
				return nil, err
			}
			return countResponse{Page: r.Page, Count: n}, nil
		}),
		Restore: wrap("restore", func(ctx context.Context, req any) (any, error) {
			r := req.(*pageRequest)
			p, err := page(reg, r.Page)
			if err != nil {
				return nil, err
			}
			n, err := p.RestoreAll(ctx)
			if err != nil {
				return nil, err
			}
			return countResponse{Page: r.Page, Count: n}, nil
		}),
		Verbose: wrap("verbose", func(_ context.Context, req any) (any, error) {
			r := req.(*verboseRequest)
			p, err := page(reg, r.Page)
			if err != nil {
				return nil, err
			}
			if r.On != nil {
				p.SetVerbose(*r.On)
			}
			return verboseResponse{Page: r.Page, Verbose: p.Verbose()}, nil
		}),
		Stats: wrap("stats", func(ctx context.Context, req any) (any, error) {
			r := req.(*pageRequest)
			p, err := page(reg, r.Page)
			if err != nil {
				return nil, err
			}
			return p.Stats(ctx)
		}),
		HTML: wrap("html", func(ctx context.Context, req any) (any, error) {
			r := req.(*pageRequest)
			p, err := page(reg, r.Page)
			if err != nil {
				return nil, err
			}
			s, err := p.Render(ctx)
			if err != nil {
				return nil, err
			}
			return htmlResponse{Page: r.Page, HTML: s}, nil
		}),
	}
}
