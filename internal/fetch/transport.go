package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/config"
)

// 传输通道名称，用于日志与指标。
const (
	TransportClient = "client"
	TransportStream = "stream"
)

// sniffLen 与 http.DetectContentType 读取的上限一致。
const sniffLen = 512

// ErrNoTransport 表示配置同时禁用了两种下载通道。
var ErrNoTransport = errors.New("neither http client nor stream fetch is enabled")

// Transport 把远程 URL 的内容写入 stagingPath，只在完整写入后返回 nil。
type Transport interface {
	Name() string
	Download(ctx context.Context, target, stagingPath string) error
}

// StatusError 表示源站返回了不可接受的状态码。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

// SelectTransport 优先使用共享 http.Client，其次退回 stream 通道，都不可用时返回 ErrNoTransport。
func SelectTransport(cfg config.GlobalConfig, client *http.Client) (Transport, error) {
	switch {
	case cfg.HTTPClient:
		return NewClientTransport(client, cfg), nil
	case cfg.AllowStreamFetch:
		return NewStreamTransport(cfg.FetchTimeout.DurationValue()), nil
	default:
		return nil, ErrNoTransport
	}
}

// ClientTransport 使用共享 http.Client，附带配置中的请求头覆盖与 404 图片兼容策略。
type ClientTransport struct {
	client           *http.Client
	headers          map[string]string
	userAgent        string
	acceptImageOn404 bool
}

// NewClientTransport 构造主下载通道；client 为空时按 FetchTimeout 创建独立客户端。
func NewClientTransport(client *http.Client, cfg config.GlobalConfig) *ClientTransport {
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout.DurationValue()}
	}
	headers := make(map[string]string, len(cfg.FetchHeaders))
	for key, value := range cfg.FetchHeaders {
		headers[key] = value
	}
	return &ClientTransport{
		client:           client,
		headers:          headers,
		userAgent:        cfg.UserAgent,
		acceptImageOn404: cfg.AcceptImageOn404,
	}
}

func (t *ClientTransport) Name() string {
	return TransportClient
}

func (t *ClientTransport) Download(ctx context.Context, target, stagingPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return writeBody(ctx, resp, stagingPath)
	case resp.StatusCode == http.StatusNotFound && t.acceptImageOn404:
		// 部分源站对有效图片也返回 404，只有内容确实是图片时才接受。
		if err := writeBody(ctx, resp, stagingPath); err != nil {
			return err
		}
		if !looksLikeImage(stagingPath) {
			return &StatusError{URL: target, Status: resp.StatusCode}
		}
		return nil
	default:
		drain(resp.Body)
		return &StatusError{URL: target, Status: resp.StatusCode}
	}
}

// StreamTransport 是退路通道：直接往返传输层并复制响应体，不应用任何请求头覆盖。
type StreamTransport struct {
	client *http.Client
}

// NewStreamTransport 基于默认 Transport 构造 stream 通道。
func NewStreamTransport(timeout time.Duration) *StreamTransport {
	return &StreamTransport{client: &http.Client{Timeout: timeout}}
}

func (t *StreamTransport) Name() string {
	return TransportStream
}

func (t *StreamTransport) Download(ctx context.Context, target, stagingPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return &StatusError{URL: target, Status: resp.StatusCode}
	}
	return writeBody(ctx, resp, stagingPath)
}

// writeBody 将响应体写入暂存文件，并校验 Content-Length 以识别被截断的响应。
func writeBody(ctx context.Context, resp *http.Response, stagingPath string) error {
	file, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	written, copyErr := cache.CopyWithContext(ctx, file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, written, resp.ContentLength)
	}
	return nil
}

func looksLikeImage(filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false
	}
	return sniffImage(head[:n])
}

// ISO BMFF 图片容器（AVIF/HEIF）的 ftyp 品牌。
var imageBrands = map[string]bool{
	"avif": true, "avis": true, "heic": true, "heix": true, "hevc": true,
	"heim": true, "heis": true, "mif1": true, "msf1": true,
}

// sniffImage 在 http.DetectContentType 之外补充识别 AVIF/HEIF 与 SVG。
func sniffImage(head []byte) bool {
	if strings.HasPrefix(http.DetectContentType(head), "image/") {
		return true
	}
	if len(head) >= 12 && string(head[4:8]) == "ftyp" && imageBrands[string(head[8:12])] {
		return true
	}
	return looksLikeSVG(head)
}

// looksLikeSVG 只接受以 <svg 开头的文档，允许前置 XML 声明、注释与 DOCTYPE；HTML 页面内嵌的 svg 不算。
func looksLikeSVG(head []byte) bool {
	doc := bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	for {
		doc = bytes.TrimLeft(doc, " \t\r\n")
		lower := bytes.ToLower(doc)
		switch {
		case bytes.HasPrefix(lower, []byte("<svg")):
			return true
		case bytes.HasPrefix(lower, []byte("<?xml")):
			doc = skipPast(doc, "?>")
		case bytes.HasPrefix(lower, []byte("<!--")):
			doc = skipPast(doc, "-->")
		case bytes.HasPrefix(lower, []byte("<!doctype svg")):
			doc = skipPast(doc, ">")
		default:
			return false
		}
		if doc == nil {
			return false
		}
	}
}

func skipPast(doc []byte, marker string) []byte {
	idx := bytes.Index(doc, []byte(marker))
	if idx < 0 {
		return nil
	}
	return doc[idx+len(marker):]
}

func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
}
