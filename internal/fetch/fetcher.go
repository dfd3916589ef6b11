package fetch

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/metrics"
	"github.com/any-hub/imgcache/internal/source"
	"github.com/any-hub/imgcache/internal/storage"
)

const defaultFetchTimeout = 30 * time.Second

var (
	errNilReference = errors.New("nil source reference")
	errForeignRoot  = errors.New("cache root does not belong to this store")
	errNoAsset      = errors.New("volume reference has no asset")
)

// Options 汇总 Fetcher 的协作对象。Store 与 Registry 必填；Transport 为空时远程引用返回 ErrConfiguration。
type Options struct {
	Store     cache.Store
	Registry  *cache.Registry
	Transport Transport
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
}

// Fetcher 负责“校验 → 暂存 → 提升 → 登记”的全流程，整站共享一个实例。
type Fetcher struct {
	store     cache.Store
	registry  *cache.Registry
	validator cache.Validator
	transport Transport
	logger    *logrus.Logger
	metrics   *metrics.Collector

	rawURL  bool
	timeout time.Duration

	group singleflight.Group
}

// NewFetcher 根据全局配置构造 Fetcher。
func NewFetcher(cfg config.GlobalConfig, opts Options) (*Fetcher, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := cfg.FetchTimeout.DurationValue()
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		store:     opts.Store,
		registry:  opts.Registry,
		validator: cache.NewValidator(cfg.MinValidSize, cfg.CacheTTL.DurationValue()),
		transport: opts.Transport,
		logger:    logger,
		metrics:   opts.Metrics,
		rawURL:    cfg.UseRawExternalURL,
		timeout:   timeout,
	}, nil
}

// EnsureLocalCopy 返回 ref 对应的本地文件路径，必要时先完成下载或卷拷贝。
// 返回 nil 错误时该路径上一定存在通过校验的完整文件。
func (f *Fetcher) EnsureLocalCopy(ctx context.Context, ref *source.SourceReference) (string, error) {
	localPath, _, err := f.EnsureLocalCopyStatus(ctx, ref)
	return localPath, err
}

// EnsureLocalCopyStatus 与 EnsureLocalCopy 相同，另外报告本次是否未发生任何传输（cacheHit）。
func (f *Fetcher) EnsureLocalCopyStatus(ctx context.Context, ref *source.SourceReference) (localPath string, cacheHit bool, err error) {
	if ref == nil {
		return "", false, source.NewError(source.ErrValidation, "ensure local copy", "", errNilReference)
	}
	if !ref.RequiresFetch() {
		localPath, err = f.ensurePassthrough(ref)
		return localPath, err == nil, err
	}

	if ref.Kind == source.KindRemoteURL && f.transport == nil {
		return "", false, source.NewError(source.ErrConfiguration, "fetch", ref.Origin(), ErrNoTransport)
	}
	if filepath.Clean(ref.CacheRoot) != f.store.Root() {
		return "", false, source.NewError(source.ErrResolution, "ensure local copy", ref.Origin(), errForeignRoot)
	}

	locator := cache.Locator{Dir: ref.SubPath, Name: ref.Filename}
	entry, err := f.lookup(ctx, ref, locator)
	if err != nil {
		return "", false, err
	}
	if entry != nil {
		f.metrics.ObserveLookup(metrics.LookupHit)
		f.registry.Register(entry.FilePath, ref.Origin())
		fields := logging.FetchFields(string(ref.Kind), ref.Origin(), entry.FilePath, true)
		fields["action"] = "lookup"
		f.logger.WithFields(fields).Debug("cache_hit")
		return entry.FilePath, true, nil
	}
	f.metrics.ObserveLookup(metrics.LookupMiss)

	// 同一路径的并发刷新共享一次传输；传输使用独立的超时上下文，单个调用方放弃不会中断其它等待者。
	ch := f.group.DoChan(ref.LocalPath(), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.refresh(flightCtx, ref, locator)
	})

	select {
	case <-ctx.Done():
		return "", false, source.NewError(source.ErrFetch, "fetch", ref.Origin(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		if res.Shared {
			f.metrics.ObserveFetch(string(ref.Kind), metrics.ResultShared, 0, 0)
		}
		return res.Val.(string), false, nil
	}
}

// ensurePassthrough 处理本身就是源文件的引用：不做 TTL 与大小校验，只确认文件存在。
func (f *Fetcher) ensurePassthrough(ref *source.SourceReference) (string, error) {
	f.metrics.ObserveLookup(metrics.LookupPassthrough)
	localPath := ref.LocalPath()
	if _, err := cache.StatFile(localPath); err != nil {
		return "", source.NewError(source.ErrValidation, "ensure local copy", ref.Origin(), err)
	}
	return localPath, nil
}

// lookup 返回可复用的条目；需要刷新时返回 nil, nil。
func (f *Fetcher) lookup(ctx context.Context, ref *source.SourceReference, locator cache.Locator) (*cache.Entry, error) {
	entry, err := f.store.Stat(ctx, locator)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, source.NewError(source.ErrFetch, "stat local copy", ref.Origin(), ctxErr)
		}
		return nil, source.NewError(source.ErrResolution, "stat local copy", ref.Origin(), err)
	}
	if f.validator.NeedsRefresh(entry) {
		return nil, nil
	}
	return entry, nil
}

func (f *Fetcher) refresh(ctx context.Context, ref *source.SourceReference, locator cache.Locator) (string, error) {
	// 排队期间其它请求可能已经完成刷新。
	current, err := f.lookup(ctx, ref, locator)
	if err != nil {
		return "", err
	}
	if current != nil {
		return current.FilePath, nil
	}

	fill, via, err := f.fillFor(ref)
	if err != nil {
		return "", err
	}

	started := time.Now()
	kind := string(ref.Kind)
	entry, err := f.store.Stage(ctx, locator, fill, cache.StageOptions{Verify: f.validator.Verify})
	if err != nil {
		wrapped := classifyFetchError(ref, err)
		f.metrics.ObserveFetch(kind, metrics.ResultError, 0, time.Since(started))
		fields := logging.WithElapsed(logging.FetchFields(kind, ref.Origin(), ref.LocalPath(), false), started)
		fields["action"] = "fetch"
		fields["transport"] = via
		fields["error"] = err.Error()
		if wrapped.Status != 0 {
			fields["upstream_status"] = wrapped.Status
		}
		f.logger.WithFields(fields).Error("fetch_failed")
		return "", wrapped
	}

	if _, err := cache.StatFile(entry.FilePath); err != nil {
		return "", source.NewError(source.ErrValidation, "verify local copy", ref.Origin(), err)
	}
	f.registry.Register(entry.FilePath, ref.Origin())

	f.metrics.ObserveFetch(kind, metrics.ResultSuccess, entry.SizeBytes, time.Since(started))
	fields := logging.WithElapsed(logging.FetchFields(kind, ref.Origin(), entry.FilePath, false), started)
	fields["action"] = "fetch"
	fields["transport"] = via
	fields["bytes"] = entry.SizeBytes
	f.logger.WithFields(fields).Info("fetch_complete")
	return entry.FilePath, nil
}

// fillFor 返回写入暂存文件的函数以及使用的通道名称。
func (f *Fetcher) fillFor(ref *source.SourceReference) (cache.StageFunc, string, error) {
	switch ref.Kind {
	case source.KindRemoteURL:
		target := outboundURL(ref.CanonicalURL, f.rawURL)
		transport := f.transport
		return func(ctx context.Context, stagingPath string) error {
			return transport.Download(ctx, target, stagingPath)
		}, transport.Name(), nil
	case source.KindVolumeAsset:
		asset := ref.Asset()
		if asset == nil || asset.Volume() == nil {
			return nil, "", source.NewError(source.ErrResolution, "fetch", ref.Origin(), errNoAsset)
		}
		volume := asset.Volume()
		originPath := asset.OriginPath()
		return func(ctx context.Context, stagingPath string) error {
			return volume.SaveFileLocally(ctx, originPath, stagingPath)
		}, "volume:" + volume.Name(), nil
	default:
		return nil, "", source.NewError(source.ErrUnsupportedReference, "fetch", ref.Origin(), nil)
	}
}

// classifyFetchError 把暂存阶段的错误映射到对外的错误分类。
func classifyFetchError(ref *source.SourceReference, err error) *source.Error {
	var sourceErr *source.Error
	if errors.As(err, &sourceErr) {
		return sourceErr
	}
	if errors.Is(err, cache.ErrTooSmall) || errors.Is(err, cache.ErrStagingMissing) {
		return source.NewError(source.ErrValidation, "validate download", ref.Origin(), err)
	}

	wrapped := source.NewError(source.ErrFetch, "fetch", ref.Origin(), err)
	var statusErr *StatusError
	var transferErr *storage.TransferError
	switch {
	case errors.As(err, &statusErr):
		wrapped.Status = statusErr.Status
	case errors.As(err, &transferErr):
		wrapped.Status = transferErr.Status
	}
	return wrapped
}
