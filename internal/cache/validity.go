package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// DefaultMinValidSize 以下的文件视为上次失败留下的截断文件或占位文件。
const DefaultMinValidSize = 1024

// ErrTooSmall 表示文件小于有效下限。
var ErrTooSmall = errors.New("file smaller than minimum valid size")

// Validator 根据大小下限与 TTL 判断本地副本能否复用，默认使用 time.Now 作为时钟。
type Validator struct {
	minSize int64
	ttl     time.Duration
	now     func() time.Time
}

// NewValidator 构造校验器；ttl <= 0 表示副本永不过期。
func NewValidator(minSize int64, ttl time.Duration) Validator {
	if minSize < 0 {
		minSize = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return Validator{
		minSize: minSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock 返回使用指定时钟的副本，测试中用来固定当前时间。
func (v Validator) WithClock(now func() time.Time) Validator {
	if now != nil {
		v.now = now
	}
	return v
}

// TTL 返回生效的过期时间，0 表示禁用。
func (v Validator) TTL() time.Duration {
	return v.ttl
}

// NeedsRefresh 在条目缺失、过小或超过 TTL 时返回 true。
func (v Validator) NeedsRefresh(entry *Entry) bool {
	if entry == nil {
		return true
	}
	if entry.SizeBytes < v.minSize {
		return true
	}
	return v.Expired(*entry)
}

// Expired 判断条目是否超过 TTL；恰好等于 TTL 仍视为新鲜。
func (v Validator) Expired(entry Entry) bool {
	if v.ttl <= 0 {
		return false
	}
	return v.now().Sub(entry.ModTime) > v.ttl
}

// Verify 用于提升前检查暂存文件，只看大小下限。
func (v Validator) Verify(entry Entry) error {
	if entry.SizeBytes < v.minSize {
		return fmt.Errorf("%w: %d < %d bytes", ErrTooSmall, entry.SizeBytes, v.minSize)
	}
	return nil
}

// StatFile 读取任意路径的文件信息，目录视为不存在。
func StatFile(filePath string) (*Entry, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return &Entry{
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}
