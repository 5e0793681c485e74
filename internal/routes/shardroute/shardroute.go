// Package shardroute serves the sharded-repodata files the shard package
// writes to disk: the per-channel/platform shard index and individual
// package shards, with and without a channel label segment.
package shardroute

import (
	"net/http"
	"path/filepath"
	"regexp"
)

// Handler serves files under cacheDir/channels/...
type Handler struct {
	CacheDir string
}

var shardNamePattern = regexp.MustCompile(`\.msgpack\.zst$`)

// ServeIndex handles GET /{channel}/{platform}/repodata_shards.msgpack.zst.
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request, channel, platform string) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, filepath.Join(h.CacheDir, "channels", channel, platform, "repodata_shards.msgpack.zst"))
}

// ServeIndexWithLabel handles GET /{channel}/label/{label}/{platform}/repodata_shards.msgpack.zst.
func (h *Handler) ServeIndexWithLabel(w http.ResponseWriter, r *http.Request, channel, label, platform string) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, filepath.Join(h.CacheDir, "channels", channel, "label", label, platform, "repodata_shards.msgpack.zst"))
}

// ServeShard handles GET /{channel}/{platform}/shards/{name}.
func (h *Handler) ServeShard(w http.ResponseWriter, r *http.Request, channel, platform, name string) {
	if !shardNamePattern.MatchString(name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, filepath.Join(h.CacheDir, "channels", channel, platform, "shards", name))
}

// ServeShardWithLabel handles GET /{channel}/label/{label}/{platform}/shards/{name}.
func (h *Handler) ServeShardWithLabel(w http.ResponseWriter, r *http.Request, channel, label, platform, name string) {
	if !shardNamePattern.MatchString(name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, filepath.Join(h.CacheDir, "channels", channel, "label", label, platform, "shards", name))
}
