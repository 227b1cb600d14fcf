package strategy

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// HeaderCache reports the response Source to clients.
const HeaderCache = "X-Folio-Cache"

// Handler serves incoming requests for origin through the router. Request
// paths are resolved against origin to build the absolute URL the router
// classifies and keys by.
func (r *Router) Handler(origin string) http.Handler {
	origin = strings.TrimRight(origin, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		out, err := http.NewRequestWithContext(req.Context(), req.Method, origin+req.URL.RequestURI(), req.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		copyHeaders(out.Header, req.Header)

		resp, err := r.Handle(out)
		if err != nil {
			r.logger.WarnContext(req.Context(), "request failed",
				slog.String("method", req.Method),
				slog.String("url", out.URL.String()),
				slog.Any("error", err))
			setCacheHeaders(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		r.stats.Observe(resp.Source, len(resp.Body))
		writeResponse(w, resp)
	})
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderCache) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), string(resp.Source))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(HeaderCache, source)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, HeaderCache)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
