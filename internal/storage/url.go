package storage

import (
	"net/url"
	"strings"
)

// JoinURL 将 originPath 逐段转义后拼接到 base 之后。
func JoinURL(base, originPath string) string {
	segments := strings.Split(strings.Trim(originPath, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
