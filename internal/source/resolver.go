package source

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/any-hub/imgcache/internal/config"
)

var (
	errEmptyReference = errors.New("empty reference")
	errNoVolume       = errors.New("asset has no volume")
	errNoFilename     = errors.New("cannot derive filename")
	errNoHost         = errors.New("url has no host")
	errEscapesRoot    = errors.New("path escapes cache root")
)

const (
	remoteNamespace = "remote"
	volumeNamespace = "volumes"
)

// Resolver 根据静态配置把引用转换为 SourceReference。配置在构造时复制，之后只读。
type Resolver struct {
	cacheURL     string
	cachePath    string
	documentRoot string
	runtimePath  string
	useQuery     bool
	hashRemote   bool

	mkdirAll func(string, os.FileMode) error
}

// NewResolver 使用全局配置构造解析器，调用方应在启动阶段创建一次并复用。
func NewResolver(cfg config.GlobalConfig) *Resolver {
	return &Resolver{
		cacheURL:     cfg.CacheURL,
		cachePath:    cfg.CachePath,
		documentRoot: cfg.DocumentRoot,
		runtimePath:  cfg.RuntimePath,
		useQuery:     cfg.UseRemoteURLQueryString,
		hashRemote:   cfg.HashRemoteURL,
		mkdirAll:     os.MkdirAll,
	}
}

// Resolve 分类引用并计算本地路径。除了为远程/拷贝卷创建目录外不做其它 I/O。
func (r *Resolver) Resolve(ref Reference) (*SourceReference, error) {
	class, err := Classify(ref, r.cacheURL)
	if err != nil {
		return nil, err
	}

	var resolved *SourceReference
	switch class.Kind {
	case KindManagedCacheFile:
		resolved, err = r.resolveManaged(class.Value)
	case KindRemoteURL:
		resolved, err = r.resolveRemote(class.Value)
	case KindLocal:
		resolved, err = r.resolveLocal(class.Value)
	case KindVolumeAsset:
		if class.VolumeMode == VolumeLocal {
			resolved, err = r.resolveDirectVolume(class.Asset)
		} else {
			resolved, err = r.resolveCopyOutVolume(class.Asset)
		}
	default:
		return nil, NewError(ErrUnsupportedReference, "resolve", ref.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	if err := checkWithinRoot(resolved); err != nil {
		return nil, NewError(ErrResolution, "resolve", resolved.origin, err)
	}
	if resolved.RequiresFetch() {
		if err := r.mkdirAll(resolved.Dir(), 0o755); err != nil {
			return nil, NewError(ErrResolution, "create cache directory", resolved.origin, err)
		}
	}
	return resolved, nil
}

func (r *Resolver) resolveLocal(value string) (*SourceReference, error) {
	p := stripQuery(value)
	name := path.Base("/" + p)
	if name == "/" || name == "." {
		return nil, NewError(ErrResolution, "resolve local", value, errNoFilename)
	}
	base, ext := splitName(name)
	return &SourceReference{
		Kind:         KindLocal,
		CacheRoot:    r.documentRoot,
		SubPath:      safeDir(path.Dir("/" + p)),
		Filename:     name,
		Basename:     base,
		Extension:    ext,
		CanonicalURL: value,
		origin:       value,
	}, nil
}

func (r *Resolver) resolveManaged(value string) (*SourceReference, error) {
	rest := "/" + stripQuery(strings.TrimPrefix(value, r.cacheURL))
	name := path.Base(rest)
	if name == "/" || name == "." {
		return nil, NewError(ErrResolution, "resolve cache file", value, errNoFilename)
	}
	base, ext := splitName(name)
	return &SourceReference{
		Kind:         KindManagedCacheFile,
		CacheRoot:    r.cachePath,
		SubPath:      safeDir(path.Dir(rest)),
		Filename:     name,
		Basename:     base,
		Extension:    ext,
		CanonicalURL: value,
		origin:       value,
	}, nil
}

func (r *Resolver) resolveRemote(value string) (*SourceReference, error) {
	// 主机与路径先按原样拆分再分别解码，查询串保持原样，与实际发出的请求一致。
	host, rawPath, query := splitURL(value)
	host = decodeURL(host)
	if host == "" {
		return nil, NewError(ErrResolution, "resolve url", value, errNoHost)
	}
	hostSegment := cleanSegment(strings.ReplaceAll(host, ":", "_"))

	p := path.Clean("/" + decodeURL(rawPath))
	name := path.Base(p)
	if name == "/" || name == "." || name == ".." {
		return nil, NewError(ErrResolution, "resolve url", value, errNoFilename)
	}
	filename, basename, ext := cleanFilename(name)
	if r.useQuery && query != "" {
		basename += "_" + md5Hex(query)
		filename = joinName(basename, ext)
	}

	dir := path.Dir(p)
	subPath := joinSubPath(remoteNamespace, hostSegment, cleanSubPath(dir))
	if r.hashRemote {
		subPath = joinSubPath(remoteNamespace, md5Hex(host+dir))
	}

	return &SourceReference{
		Kind:         KindRemoteURL,
		CacheRoot:    r.runtimePath,
		SubPath:      subPath,
		Filename:     filename,
		Basename:     basename,
		Extension:    ext,
		CanonicalURL: value,
		origin:       value,
	}, nil
}

func (r *Resolver) resolveDirectVolume(asset Asset) (*SourceReference, error) {
	volume := asset.Volume()
	origin := FromAsset(asset).String()

	root, err := volume.RootPath()
	if err != nil {
		return nil, NewError(ErrResolution, "resolve volume root", origin, err)
	}
	name := asset.Filename(true)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, NewError(ErrResolution, "resolve volume asset", origin, errNoFilename)
	}

	return &SourceReference{
		Kind:         KindVolumeAsset,
		VolumeMode:   VolumeLocal,
		CacheRoot:    root,
		SubPath:      safeDir(path.Dir("/" + asset.OriginPath())),
		Filename:     name,
		Basename:     asset.Filename(false),
		Extension:    asset.Extension(),
		CanonicalURL: asset.PublicURL(),
		origin:       origin,
		asset:        asset,
	}, nil
}

func (r *Resolver) resolveCopyOutVolume(asset Asset) (*SourceReference, error) {
	volume := asset.Volume()
	origin := FromAsset(asset).String()

	canonical, err := volume.GenerateURL(asset.OriginPath())
	if err != nil {
		return nil, NewError(ErrResolution, "generate volume url", origin, err)
	}

	if volume.Name() == "" {
		return nil, NewError(ErrResolution, "resolve volume asset", origin, errNoVolume)
	}
	name := asset.Filename(true)
	if name == "" || name == "." || name == ".." {
		return nil, NewError(ErrResolution, "resolve volume asset", origin, errNoFilename)
	}
	filename, basename, ext := cleanFilename(name)

	return &SourceReference{
		Kind:         KindVolumeAsset,
		VolumeMode:   VolumeCopyOut,
		CacheRoot:    r.runtimePath,
		SubPath:      joinSubPath(volumeNamespace, cleanSegment(volume.Name()), cleanSubPath(path.Dir("/"+asset.OriginPath()))),
		Filename:     filename,
		Basename:     basename,
		Extension:    ext,
		CanonicalURL: canonical,
		origin:       origin,
		asset:        asset,
	}, nil
}

// safeDir 只消除 .. 与多余分隔符，不改写字符：本地文件必须按原名访问。
func safeDir(dir string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(dir, "\\", "/")), "/")
}

func stripQuery(value string) string {
	if idx := strings.IndexAny(value, "?#"); idx >= 0 {
		return value[:idx]
	}
	return value
}

func checkWithinRoot(ref *SourceReference) error {
	if ref.CacheRoot == "" {
		return errors.New("cache root not configured")
	}
	if strings.ContainsAny(ref.Filename, `/\`) {
		return errEscapesRoot
	}
	root := filepath.Clean(ref.CacheRoot)
	dir := ref.Dir()
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return errEscapesRoot
	}
	return nil
}
