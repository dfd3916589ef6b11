package source

import (
	"path/filepath"

	"github.com/any-hub/imgcache/internal/storage"
)

// Kind 描述一个来源引用的类型。
type Kind string

const (
	// KindLocal 是 DocumentRoot 下的本地文件，本身就是源文件。
	KindLocal Kind = "local"
	// KindManagedCacheFile 是已经位于缓存目录内、通过公开 URL 引用的文件。
	KindManagedCacheFile Kind = "managed"
	// KindRemoteURL 是外部 HTTP/HTTPS 地址。
	KindRemoteURL Kind = "remote"
	// KindVolumeAsset 是存储卷中的资源。
	KindVolumeAsset Kind = "volume"
)

// VolumeMode 区分卷资源是否需要拷贝到本地。
type VolumeMode string

const (
	VolumeNone    VolumeMode = ""
	VolumeLocal   VolumeMode = "direct"
	VolumeCopyOut VolumeMode = "copy-out"
)

// Asset 是卷资源引用需要提供的能力集。
type Asset interface {
	Volume() storage.Backend
	OriginPath() string
	PublicURL() string
	Filename(withExtension bool) string
	Extension() string
}

// Reference 是解析入口的输入，只能通过 FromString 或 FromAsset 构造；零值无法分类。
type Reference struct {
	raw   string
	asset Asset
	isStr bool
}

// FromString 以字符串（路径或 URL）构造引用。
func FromString(raw string) Reference {
	return Reference{raw: raw, isStr: true}
}

// FromAsset 以卷资源构造引用。
func FromAsset(asset Asset) Reference {
	return Reference{asset: asset}
}

// String 返回便于日志输出的引用描述。
func (r Reference) String() string {
	if r.isStr {
		return r.raw
	}
	if r.asset == nil {
		return "<nil>"
	}
	name := "<nil>"
	if volume := r.asset.Volume(); volume != nil {
		name = volume.Name()
	}
	return "volume:" + name + "/" + r.asset.OriginPath()
}

// SourceReference 是一次解析的结果，只在请求内存活，落盘文件才是持久的部分。
type SourceReference struct {
	Kind       Kind
	VolumeMode VolumeMode

	// CacheRoot 是本地副本所在的根目录。
	CacheRoot string
	// SubPath 是根目录下按来源派生的命名空间，使用 / 分隔，永不越出 CacheRoot。
	SubPath string

	Filename     string
	Basename     string
	Extension    string
	CanonicalURL string

	origin string
	asset  Asset
}

// LocalPath 返回本地副本（或源文件）的绝对路径。
func (r *SourceReference) LocalPath() string {
	return filepath.Join(r.CacheRoot, filepath.FromSlash(r.SubPath), r.Filename)
}

// Dir 返回本地副本所在目录。
func (r *SourceReference) Dir() string {
	return filepath.Join(r.CacheRoot, filepath.FromSlash(r.SubPath))
}

// Origin 返回原始引用字符串；卷资源返回 volume:<name>/<path> 形式。
func (r *SourceReference) Origin() string {
	return r.origin
}

// Asset 返回卷资源，其它类型为 nil。
func (r *SourceReference) Asset() Asset {
	return r.asset
}

// RequiresFetch 表示该引用的本地副本可能需要下载或拷贝。
func (r *SourceReference) RequiresFetch() bool {
	switch r.Kind {
	case KindRemoteURL:
		return true
	case KindVolumeAsset:
		return r.VolumeMode == VolumeCopyOut
	default:
		return false
	}
}
