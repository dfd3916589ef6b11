package cache

import (
	"context"
	"errors"
	"time"
)

// Store 负责管理运行时目录内的本地副本。磁盘布局遵循：
//
//	<RuntimePath>/<Dir>/<Name>               # 已提升的本地副本
//	<RuntimePath>/<Dir>/~<Name>.<uuid>       # 写入中的暂存文件
//
// 每个条目仅由单个文件组成，文件的 ModTime/Size 由文件系统提供，TTL 据此计算。
type Store interface {
	// Stat 返回条目的文件信息。若不存在则返回 ErrNotFound。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Stage 在同目录下分配唯一暂存路径，交给 fill 写入，校验通过后 rename 到最终路径。
	// 任何失败都会清理暂存文件，最终路径要么不变，要么是完整的新内容。
	Stage(ctx context.Context, locator Locator, fill StageFunc, opts StageOptions) (*Entry, error)

	// Root 返回存储根目录的绝对路径。
	Root() string
}

// StageFunc 将内容写入 stagingPath。实现可以自行创建文件，也可以交给外部组件写入。
type StageFunc func(ctx context.Context, stagingPath string) error

// StageOptions 控制暂存过程中的可选行为。
type StageOptions struct {
	// ModTime 为空时使用当前时间，TTL 从提升时刻开始计算。
	ModTime time.Time
	// Verify 在提升前检查暂存文件，返回错误时暂存文件被丢弃。
	Verify func(Entry) error
}

// Locator 唯一定位一个缓存条目（相对目录 + 文件名），目录使用 URL 路径风格。
type Locator struct {
	Dir  string
	Name string
}

// Entry 描述一个已落盘的条目，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStagingMissing 表示 fill 返回成功但没有产出暂存文件。
	ErrStagingMissing = errors.New("staging file was not produced")
)
