package server

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/hingebase/mahoraga-go/internal/config"
)

// CORS applies cfg's allow-list to every response and answers preflight
// OPTIONS requests directly.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	var originRegex *regexp.Regexp
	if cfg.AllowOriginRegex != "" {
		originRegex, _ = regexp.Compile(cfg.AllowOriginRegex)
	}

	allowOrigin := func(origin string) bool {
		if origin == "" {
			return false
		}
		for _, o := range cfg.AllowOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return originRegex != nil && originRegex.MatchString(origin)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if len(cfg.ExposeHeaders) > 0 {
					w.Header().Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposeHeaders, ", "))
				}
			}

			if r.Method == http.MethodOptions {
				if len(cfg.AllowMethods) > 0 {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowMethods, ", "))
				}
				if len(cfg.AllowHeaders) > 0 {
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowHeaders, ", "))
				}
				if cfg.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
