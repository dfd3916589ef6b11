package fetch

import (
	"net/url"
	"strings"
)

// outboundURL 生成实际请求的地址。非 raw 模式下先整体解码，再逐段重新编码路径，
// 兼容路径里混有已编码字符或 Unicode 的源站；查询串原样保留。
func outboundURL(raw string, useRaw bool) string {
	if useRaw {
		return raw
	}

	base, query, hasQuery := strings.Cut(raw, "?")
	decoded, err := url.QueryUnescape(base)
	if err != nil {
		decoded = base
	}

	scheme, rest, ok := strings.Cut(decoded, "://")
	if !ok {
		return raw
	}
	host, p, ok := strings.Cut(rest, "/")
	if !ok || p == "" {
		return raw
	}

	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	out := scheme + "://" + host + "/" + strings.Join(segments, "/")
	if hasQuery {
		out += "?" + query
	}
	return out
}
