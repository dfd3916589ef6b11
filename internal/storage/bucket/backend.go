// Package bucket 提供基于 HTTP 对象存储（S3 兼容公开桶、CDN 源站等）的卷驱动。
// 内容不可直接按本地路径访问，解析层必须先通过 SaveFileLocally 拷贝到运行时目录。
package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/any-hub/imgcache/internal/storage"
)

// DriverKey 是配置中 Type = "http" 对应的驱动键。
const DriverKey = "http"

func init() {
	storage.MustRegister(storage.DriverMetadata{
		Key:         DriverKey,
		Description: "Object storage reachable over HTTP, copied to local disk before use",
		CopyOut:     true,
		New: func(opts storage.Options) (storage.Backend, error) {
			return New(opts.Name, opts.Endpoint, opts.BaseURL, opts.Client)
		},
	})
}

// Backend 通过 GET <Endpoint>/<originPath> 读取对象。
type Backend struct {
	name     string
	endpoint string
	baseURL  string
	client   *http.Client
}

// New 构造对象存储卷；baseURL 为空时对外地址与 endpoint 相同。
func New(name, endpoint, baseURL string, client *http.Client) (*Backend, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("bucket endpoint required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid bucket endpoint: %w", err)
	}
	if baseURL == "" {
		baseURL = endpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		name:     name,
		endpoint: endpoint,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
	}, nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) RootPath() (string, error) {
	return "", storage.ErrNotAddressable
}

func (b *Backend) GenerateURL(originPath string) (string, error) {
	if strings.Trim(originPath, "/") == "" {
		return "", errors.New("empty origin path")
	}
	return storage.JoinURL(b.baseURL, originPath), nil
}

// SaveFileLocally 下载对象到 destPath。非 200 响应与传输错误都包装为 TransferError，
// 残留的 destPath 由调用方的暂存协议负责清理。
func (b *Backend) SaveFileLocally(ctx context.Context, originPath, destPath string) error {
	target := storage.JoinURL(b.endpoint, originPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &storage.TransferError{Volume: b.name, Path: originPath, Err: err}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return &storage.TransferError{Volume: b.name, Path: originPath, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &storage.TransferError{
			Volume: b.name,
			Path:   originPath,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &storage.TransferError{Volume: b.name, Path: originPath, Err: err}
	}
	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return &storage.TransferError{Volume: b.name, Path: originPath, Err: copyErr}
	}
	return nil
}
