package source

import (
	"strings"

	"github.com/any-hub/imgcache/internal/storage"
)

// Classification 是分类阶段的输出，附带下一阶段需要的结构提示。
type Classification struct {
	Kind       Kind
	VolumeMode VolumeMode
	// Value 是规范化后的字符串引用（协议相对 URL 已补全 https:）。
	Value string
	Asset Asset
}

// Classify 按固定优先级为引用分类，第一条命中的规则生效。纯函数，无副作用。
func Classify(ref Reference, cacheURL string) (Classification, error) {
	if ref.isStr {
		return classifyString(ref.raw, cacheURL)
	}
	if ref.asset == nil {
		return Classification{}, NewError(ErrUnsupportedReference, "classify", ref.String(), nil)
	}

	volume := ref.asset.Volume()
	if volume == nil {
		return Classification{}, NewError(ErrUnsupportedReference, "classify", ref.String(), errNoVolume)
	}
	if _, ok := volume.(storage.DirectAccess); ok {
		return Classification{Kind: KindVolumeAsset, VolumeMode: VolumeLocal, Asset: ref.asset}, nil
	}
	return Classification{Kind: KindVolumeAsset, VolumeMode: VolumeCopyOut, Asset: ref.asset}, nil
}

func classifyString(raw, cacheURL string) (Classification, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Classification{}, NewError(ErrUnsupportedReference, "classify", raw, errEmptyReference)
	}

	if cacheURL != "" && strings.HasPrefix(value, cacheURL) {
		return Classification{Kind: KindManagedCacheFile, Value: value}, nil
	}

	if strings.HasPrefix(value, "//") {
		value = "https:" + value
	}

	if hasHTTPScheme(value) {
		return Classification{Kind: KindRemoteURL, Value: value}, nil
	}

	return Classification{Kind: KindLocal, Value: value}, nil
}

func hasHTTPScheme(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
