// Package conda assembles the /conda/ route tree: the sharded-repodata
// index and shard files ShardBuilder writes (delegated to shardroute),
// cached package archives (.conda, .tar.bz2) verified against the
// directory's repodata.json, and a transparent forward-only proxy for
// everything else in the channel (repodata.json, run_exports sidecars, ...).
package conda

import (
	"net/http"

	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
	"github.com/hingebase/mahoraga-go/internal/logger"
	"github.com/hingebase/mahoraga-go/internal/routes/proxy"
	"github.com/hingebase/mahoraga-go/internal/routes/shardroute"
)

// New builds the /conda/ subtree handler. mirrors resolves a channel name
// to its candidate upstream base URLs (see config.Resolve). log may be nil.
func New(engine *streamengine.Engine, locks *lockregistry.Registry, cacheDir string, log *logger.StyledLogger, mirrors func(channel string) []string) http.Handler {
	shards := &shardroute.Handler{CacheDir: cacheDir}
	fallback := &proxy.Handler{Engine: engine, StripPrefix: "/conda/"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conda/{channel}/{platform}/repodata_shards.msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
		shards.ServeIndex(w, r, r.PathValue("channel"), r.PathValue("platform"))
	})
	mux.HandleFunc("GET /conda/{channel}/label/{label}/{platform}/repodata_shards.msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
		shards.ServeIndexWithLabel(w, r, r.PathValue("channel"), r.PathValue("label"), r.PathValue("platform"))
	})
	mux.HandleFunc("GET /conda/{channel}/{platform}/shards/{name}", func(w http.ResponseWriter, r *http.Request) {
		shards.ServeShard(w, r, r.PathValue("channel"), r.PathValue("platform"), r.PathValue("name"))
	})
	mux.HandleFunc("GET /conda/{channel}/label/{label}/{platform}/shards/{name}", func(w http.ResponseWriter, r *http.Request) {
		shards.ServeShardWithLabel(w, r, r.PathValue("channel"), r.PathValue("label"), r.PathValue("platform"), r.PathValue("name"))
	})
	mux.HandleFunc("GET /conda/{channel}/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		channel := r.PathValue("channel")
		channelMirrors := mirrors(channel)
		rest := r.PathValue("rest")

		if servePackageFile(w, r, engine, locks, log, cacheDir, channel, channelMirrors, rest) {
			return
		}

		h := &proxy.Handler{
			Engine:      engine,
			Mirrors:     channelMirrors,
			StripPrefix: "/conda/",
		}
		h.ServeHTTP(w, r)
	})
	mux.Handle("GET /conda/", fallback)

	return mux
}
