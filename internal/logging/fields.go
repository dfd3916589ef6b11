package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供来源类型/原始引用/本地路径字段，供拉取与解析日志复用。
func FetchFields(kind, origin, localPath string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"source_kind": kind,
		"origin":      origin,
		"local_path":  localPath,
		"cache_hit":   cacheHit,
	}
}

// WithElapsed 追加耗时字段（毫秒）。
func WithElapsed(fields logrus.Fields, started time.Time) logrus.Fields {
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	return fields
}
