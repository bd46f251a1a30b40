package adapter

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/mcpgov/policy-gateway/internal/apierr"
)

// ReverseProxyHandler rewrites incoming requests for /servers/{name}/* to
// 127.0.0.1:{port}/*. WebSocket upgrades pass through untouched (the
// underlying httputil.ReverseProxy forwards Upgrade/Connection headers
// and hijacks the connection automatically); server-sent events stream
// unchanged since the proxy never buffers the response body.
func (s *Supervisor) ReverseProxyHandler(pathPrefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, pathPrefix)
		rest = strings.TrimPrefix(rest, "/")
		name, subPath, _ := strings.Cut(rest, "/")

		a := s.StatusOf(name)
		if a == nil || !a.Running {
			apierr.WriteJSON(w, apierr.New(apierr.ResourceNotFound, fmt.Sprintf("no running adapter for %q", name)))
			return
		}

		target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", s.processHost, a.Port)}
		proxy := httputil.NewSingleHostReverseProxy(target)
		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			req.URL.Path = "/" + subPath
			req.Host = target.Host
		}
		proxy.ServeHTTP(w, r)
	})
}
