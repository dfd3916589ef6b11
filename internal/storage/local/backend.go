// Package local 提供直接映射到本地目录的卷驱动，内容无需拷贝即可被读取。
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/any-hub/imgcache/internal/storage"
)

// DriverKey 是配置中 Type = "local" 对应的驱动键。
const DriverKey = "local"

func init() {
	storage.MustRegister(storage.DriverMetadata{
		Key:         DriverKey,
		Description: "Volume backed directly by a local directory (zero-copy)",
		CopyOut:     false,
		New: func(opts storage.Options) (storage.Backend, error) {
			return New(opts.Name, opts.Root, opts.BaseURL)
		},
	})
}

// Backend 是本地目录卷。
type Backend struct {
	name    string
	root    string
	baseURL string
}

// New 构造本地卷，root 会被转换为绝对路径。
func New(name, root, baseURL string) (*Backend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local volume root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve volume root: %w", err)
	}
	return &Backend{name: name, root: abs, baseURL: baseURL}, nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) RootPath() (string, error) {
	return b.root, nil
}

// LocalRoot 实现 storage.DirectAccess。
func (b *Backend) LocalRoot() string {
	return b.root
}

func (b *Backend) GenerateURL(originPath string) (string, error) {
	if b.baseURL == "" {
		return storage.JoinURL("", originPath), nil
	}
	return storage.JoinURL(b.baseURL, originPath), nil
}

// SaveFileLocally 把卷内文件复制到 destPath，正常流程下解析层不会调用它。
func (b *Backend) SaveFileLocally(ctx context.Context, originPath, destPath string) error {
	src, err := b.filePath(originPath)
	if err != nil {
		return &storage.TransferError{Volume: b.name, Path: originPath, Err: err}
	}
	if err := copyFile(ctx, src, destPath); err != nil {
		return &storage.TransferError{Volume: b.name, Path: originPath, Err: err}
	}
	return nil
}

func (b *Backend) filePath(originPath string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+originPath), "/")
	if rel == "" {
		return "", errors.New("empty origin path")
	}
	full := filepath.Join(b.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, b.root+string(filepath.Separator)) {
		return "", errors.New("invalid origin path")
	}
	return full, nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}
