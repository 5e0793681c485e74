// Package shard builds the sharded-repodata files served by
// internal/routes/shardroute: one job per (channel, platform) pair, fanned
// out across goroutines via errgroup.
package shard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hingebase/mahoraga-go/internal/logger"
)

// packageRecord is the subset of a conda package record this shard format
// needs: arbitrary extra fields plus an optional run_exports block spliced
// in from the channel's run_exports.json.zst sidecar.
type packageRecord map[string]any

// shardFile is the msgpack payload written per package name.
type shardFile struct {
	Packages      map[string]packageRecord `msgpack:"packages"`
	PackagesConda map[string]packageRecord `msgpack:"packages.conda"`
	Removed       []string                 `msgpack:"removed"`
}

type shardedRepodataInfo struct {
	BaseURL       string `msgpack:"base_url"`
	ShardsBaseURL string `msgpack:"shards_base_url"`
	Subdir        string `msgpack:"subdir"`
}

type shardedRepodata struct {
	Info   shardedRepodataInfo `msgpack:"info"`
	Shards map[string][]byte   `msgpack:"shards"`
}

// repodata is the generic shape repodata.json is parsed into: package-name
// -> records, with every record kept as an opaque map so unknown fields
// survive the round trip into shards.
type repodata struct {
	Packages      map[string]packageRecord `json:"packages"`
	PackagesConda map[string]packageRecord `json:"packages.conda"`
}

// Builder fetches and shards conda repodata for a configured set of
// (channel, platform) pairs.
type Builder struct {
	CacheDir    string
	CondaMirror string // e.g. "https://conda.anaconda.org/"
	HTTPClient  *http.Client
	Logger      *logger.StyledLogger
}

// Run fans a job out per configured (channel, platform) pair, bounded to a
// small worker pool. Per-job failures are logged and skipped; they never
// abort the whole run or affect request serving.
func (b *Builder) Run(ctx context.Context, jobs map[string][]string) error {
	hasWork := false
	for _, platforms := range jobs {
		if len(platforms) > 0 {
			hasWork = true
			break
		}
	}
	if !hasWork {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for channel, platforms := range jobs {
		for _, platform := range platforms {
			channel, platform := channel, platform
			g.Go(func() error {
				written, err := b.splitRepo(ctx, channel, platform)
				if err != nil {
					b.Logger.Error("failed to update repodata shards",
						"channel", channel, "platform", platform, "error", err)
				} else {
					b.Logger.InfoWithCount("updated repodata shards", written,
						"channel", channel, "platform", platform)
				}
				return nil // per-job errors never fail the group
			})
		}
	}
	return g.Wait()
}

// splitRepo builds every shard for one (channel, platform) pair, returning
// how many were written.
func (b *Builder) splitRepo(ctx context.Context, channel, platform string) (int, error) {
	root := filepath.Join(b.CacheDir, "channels", channel, platform, "shards")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, err
	}

	runExports := b.fetchRunExports(ctx, channel, platform, filepath.Dir(root))

	data, err := b.fetchRepodata(ctx, channel, platform)
	if err != nil {
		return 0, fmt.Errorf("fetching repodata.json: %w", err)
	}

	out := shardedRepodata{
		Info: shardedRepodataInfo{
			BaseURL:       ".",
			ShardsBaseURL: "./shards/",
			Subdir:        platform,
		},
		Shards: map[string][]byte{},
	}

	byName := groupByPackageName(data)
	for name, records := range byName {
		digest, err := writeShard(root, name, records, runExports)
		if err != nil {
			return 0, fmt.Errorf("writing shard %s: %w", name, err)
		}
		out.Shards[name] = digest
	}

	if err := writeIndex(filepath.Dir(root), out); err != nil {
		return 0, err
	}
	return len(out.Shards), nil
}

// fetchRunExports is best-effort: a missing or unfetchable sidecar yields an
// empty run_exports map rather than failing the whole job.
func (b *Builder) fetchRunExports(ctx context.Context, channel, platform, dir string) repodata {
	empty := repodata{Packages: map[string]packageRecord{}, PackagesConda: map[string]packageRecord{}}

	url := fmt.Sprintf("%s%s/%s/run_exports.json.zst", b.CondaMirror, channel, platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return empty
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return empty
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return empty
	}

	zr, err := zstd.NewReader(resp.Body)
	if err != nil {
		return empty
	}
	defer zr.Close()

	var out repodata
	if err := json.NewDecoder(zr).Decode(&out); err != nil {
		return empty
	}
	return out
}

func (b *Builder) fetchRepodata(ctx context.Context, channel, platform string) (repodata, error) {
	url := fmt.Sprintf("%s%s/%s/repodata.json", b.CondaMirror, channel, platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return repodata{}, err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return repodata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return repodata{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out repodata
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return repodata{}, err
	}
	return out, nil
}

// groupByPackageName buckets a repodata's package/packages.conda records by
// the package name each filename starts with.
func groupByPackageName(data repodata) map[string]shardFile {
	out := map[string]shardFile{}

	addTo := func(filename string, record packageRecord, conda bool) {
		name, _ := packageNameOf(filename)
		sf, ok := out[name]
		if !ok {
			sf = shardFile{Packages: map[string]packageRecord{}, PackagesConda: map[string]packageRecord{}}
		}
		if conda {
			sf.PackagesConda[filename] = record
		} else {
			sf.Packages[filename] = record
		}
		out[name] = sf
	}

	for filename, record := range data.Packages {
		addTo(filename, record, false)
	}
	for filename, record := range data.PackagesConda {
		addTo(filename, record, true)
	}
	return out
}

// packageNameOf extracts a conda filename's package name, e.g.
// "numpy-1.26.0-py311h64a7726_0.conda" -> "numpy".
func packageNameOf(filename string) (string, bool) {
	// conda filenames are {name}-{version}-{build}.{ext}; name never
	// contains a hyphen followed by a digit-leading version in practice is
	// not guaranteed, so split on the last two hyphens instead.
	i := lastIndexN(filename, '-', 2)
	if i < 0 {
		return filename, false
	}
	return filename[:i], true
}

func lastIndexN(s string, b byte, n int) int {
	count := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			count++
			if count == n {
				return i
			}
		}
	}
	return -1
}

func writeShard(root, name string, records shardFile, runExports repodata) ([]byte, error) {
	for filename, rec := range records.PackagesConda {
		if entry, ok := runExports.PackagesConda[filename]; ok {
			rec["run_exports"] = entry["run_exports"]
		}
	}
	for filename, rec := range records.Packages {
		if entry, ok := runExports.Packages[filename]; ok {
			rec["run_exports"] = entry["run_exports"]
		}
	}
	if records.Removed == nil {
		records.Removed = []string{}
	}

	body, err := msgpack.Marshal(records)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(root, ".shard-*.tmp")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		tmp.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	digest, err := sha256File(tmpPath)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(root, hex.EncodeToString(digest)+".msgpack.zst")
	os.Remove(dst)
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, err
	}
	return digest, nil
}

func writeIndex(dir string, out shardedRepodata) error {
	body, err := msgpack.Marshal(out)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".repodata_shards-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	dst := filepath.Join(dir, "repodata_shards.msgpack.zst")
	os.Remove(dst)
	return os.Rename(tmpPath, dst)
}

func sha256File(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
