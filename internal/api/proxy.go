package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// ─── Backend Proxy ──────────────────────────────────────────────────────────
// /api/* and /ollama/api/* are forwarded to the ollama backend's /api/*.
// /openai/* is forwarded to the OpenAI-compatible backend's /v1/*.

// NewBackendProxy returns a handler forwarding inference routes to the
// configured backends. Responses are streamed through unbuffered.
func NewBackendProxy(ollamaURL, openaiURL string, log logrus.FieldLogger) (http.Handler, error) {
	ollama, err := parseBackend(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("ollama backend: %w", err)
	}
	openai, err := parseBackend(openaiURL)
	if err != nil {
		return nil, fmt.Errorf("openai backend: %w", err)
	}
	log = logging.OrDiscard(log).WithField("component", "proxy")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target, path := route(pr.In.URL.Path, ollama, openai)
			pr.SetURL(target)
			pr.Out.URL.Path = joinPath(target.Path, path)
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("path", r.URL.Path).Warn("backend request failed")
			writeError(w, http.StatusBadGateway, "inference backend unavailable")
		},
	}
	return rp, nil
}

// route picks the backend for an incoming path and returns the path to
// request on it.
func route(in string, ollama, openai *url.URL) (*url.URL, string) {
	switch {
	case strings.HasPrefix(in, "/openai/"):
		return openai, "/v1/" + strings.TrimPrefix(in, "/openai/")
	case strings.HasPrefix(in, "/ollama/api/"):
		return ollama, strings.TrimPrefix(in, "/ollama")
	default:
		return ollama, in
	}
}

func parseBackend(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", raw)
	}
	return u, nil
}

func joinPath(base, p string) string {
	return strings.TrimRight(base, "/") + p
}
