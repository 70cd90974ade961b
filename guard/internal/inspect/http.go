package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RouterOptions selects the optional mounts.
type RouterOptions struct {
	Metrics http.Handler // served at /metrics when set
	MCP     *mcp.Server  // served at /mcp (streamable HTTP) when set
}

// NewRouter serves the endpoints over HTTP:
//
//	GET  /pages
//	POST /pages/{id}/rescan
//	POST /pages/{id}/badges
//	POST /pages/{id}/restore
//	GET  /pages/{id}/verbose
//	PUT  /pages/{id}/verbose   {"on": true}
//	GET  /pages/{id}/stats
//	GET  /pages/{id}/html      text/html
func NewRouter(eps Endpoints, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/pages", serve(eps.Pages, noRequest))
	r.Route("/pages/{id}", func(r chi.Router) {
		r.Post("/rescan", serve(eps.Rescan, pageFromURL))
		r.Post("/badges", serve(eps.RemoveBadges, pageFromURL))
		r.Post("/restore", serve(eps.Restore, pageFromURL))
		r.Get("/verbose", serve(eps.Verbose, verboseFromRequest))
		r.Put("/verbose", serve(eps.Verbose, verboseFromRequest))
		r.Get("/stats", serve(eps.Stats, pageFromURL))
		r.Get("/html", serveHTML(eps.HTML))
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.MCP != nil {
		srv := opts.MCP
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	}
	return r
}

type decodeFunc func(*http.Request) (any, error)

func noRequest(*http.Request) (any, error) { return nil, nil }

func pageFromURL(r *http.Request) (any, error) {
	return &pageRequest{Page: chi.URLParam(r, "id")}, nil
}

func verboseFromRequest(r *http.Request) (any, error) {
	req := &verboseRequest{Page: chi.URLParam(r, "id")}
	if r.Method != http.MethodPut {
		return req, nil
	}
	var body struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.On == nil {
		return nil, errors.New(`missing "on"`)
	}
	req.On = body.On
	return req, nil
}

func serve(e Endpoint, decode decodeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		ctx := WithTransport(r.Context(), "http")
		resp, err := e(ctx, req)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// serveHTML writes the serialized document itself rather than JSON.
func serveHTML(e Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _ := pageFromURL(r)
		resp, err := e(WithTransport(r.Context(), "http"), req)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, resp.(htmlResponse).HTML)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNoPage):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
