package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Backend 是存储卷对解析核心暴露的最小能力集。
type Backend interface {
	// Name 返回卷的 handle，用于日志与运行时目录命名。
	Name() string
	// RootPath 返回卷在本地文件系统上的根目录；不可寻址的卷返回 ErrNotAddressable。
	RootPath() (string, error)
	// SaveFileLocally 将 originPath 对应的内容写入 destPath，失败时返回 *TransferError。
	SaveFileLocally(ctx context.Context, originPath, destPath string) error
	// GenerateURL 生成资源对外的访问地址。
	GenerateURL(originPath string) (string, error)
}

// DirectAccess 由内容可直接按本地路径读取的卷实现，解析层据此跳过拷贝。
type DirectAccess interface {
	Backend
	LocalRoot() string
}

// ErrNotAddressable 表示卷不具备本地根目录。
var ErrNotAddressable = errors.New("volume is not filesystem addressable")

// TransferError 描述一次卷内容落盘失败。
type TransferError struct {
	Volume string
	Path   string
	Status int
	Err    error
}

func (e *TransferError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("volume %s: transfer %s: status %d", e.Volume, e.Path, e.Status)
	}
	return fmt.Sprintf("volume %s: transfer %s: %v", e.Volume, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Options 是驱动构造参数，来源于 [[Volume]] 配置。
type Options struct {
	Name     string
	Root     string
	BaseURL  string
	Endpoint string
	// Client 为需要网络传输的驱动提供共享 http.Client。
	Client *http.Client
}

// Factory 根据 Options 构造卷实例。
type Factory func(Options) (Backend, error)

// DriverMetadata 记录一个驱动的静态信息，供配置校验和诊断端使用。
type DriverMetadata struct {
	Key         string
	Description string
	// CopyOut 为 true 时内容必须先拷贝到本地才能使用。
	CopyOut bool
	New     Factory
}
