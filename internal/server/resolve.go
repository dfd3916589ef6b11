package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/source"
	"github.com/any-hub/imgcache/internal/storage"
)

// sourceHandler 负责 “解析 → 确保本地副本 → 输出文件或元数据” 的请求流程。
type sourceHandler struct {
	logger   *logrus.Logger
	global   config.GlobalConfig
	resolver SourceResolver
	fetcher  LocalCopier
	volumes  *VolumeSet
}

type sourcePayload struct {
	Kind         source.Kind       `json:"kind"`
	VolumeMode   source.VolumeMode `json:"volume_mode,omitempty"`
	Origin       string            `json:"origin"`
	CanonicalURL string            `json:"canonical_url"`
	CacheRoot    string            `json:"cache_root"`
	SubPath      string            `json:"sub_path"`
	Filename     string            `json:"filename"`
	Extension    string            `json:"extension"`
	LocalPath    string            `json:"local_path"`
	SizeBytes    int64             `json:"size_bytes"`
}

func (h *sourceHandler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	ref, code, err := h.reference(c)
	if err != nil {
		return h.fail(c, requestID, "", fiber.StatusBadRequest, code, err, started)
	}

	resolved, err := h.resolver.Resolve(ref)
	if err != nil {
		status, code := statusForError(err, false)
		return h.fail(c, requestID, ref.String(), status, code, err, started)
	}

	if !h.global.IsSafeFormat(resolved.Extension) {
		return h.fail(c, requestID, resolved.Origin(), fiber.StatusUnsupportedMediaType, "unsupported_format",
			fmt.Errorf("extension %q is not in SafeFileFormats", resolved.Extension), started)
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	localPath, cacheHit, err := h.fetcher.EnsureLocalCopyStatus(ctx, resolved)
	if err != nil {
		status, code := statusForError(err, resolved.RequiresFetch())
		return h.fail(c, requestID, resolved.Origin(), status, code, err, started)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return h.fail(c, requestID, resolved.Origin(), fiber.StatusInternalServerError, "read_failed", err, started)
	}

	h.logResult(requestID, resolved, localPath, cacheHit, started)

	c.Set("X-Imgcache-Source-Kind", string(resolved.Kind))
	if resolved.CanonicalURL != "" {
		c.Set("X-Imgcache-Canonical-URL", resolved.CanonicalURL)
	}

	if wantsMeta(c.Query("meta")) {
		return c.JSON(sourcePayload{
			Kind:         resolved.Kind,
			VolumeMode:   resolved.VolumeMode,
			Origin:       resolved.Origin(),
			CanonicalURL: resolved.CanonicalURL,
			CacheRoot:    resolved.CacheRoot,
			SubPath:      resolved.SubPath,
			Filename:     resolved.Filename,
			Extension:    resolved.Extension,
			LocalPath:    localPath,
			SizeBytes:    info.Size(),
		})
	}

	return h.serveFile(c, resolved, localPath, info.Size())
}

// reference 从查询参数构造引用：src=<路径或 URL>，或 volume=<handle>&path=<卷内路径>。
func (h *sourceHandler) reference(c fiber.Ctx) (source.Reference, string, error) {
	if src := strings.TrimSpace(c.Query("src")); src != "" {
		return source.FromString(src), "", nil
	}

	handle := strings.TrimSpace(c.Query("volume"))
	if handle == "" {
		return source.Reference{}, "src_required", errors.New("src or volume query parameter is required")
	}
	volume, ok := h.volumes.Lookup(handle)
	if !ok {
		return source.Reference{}, "volume_not_found", fmt.Errorf("volume %s is not configured", handle)
	}
	originPath := strings.TrimSpace(c.Query("path"))
	if originPath == "" {
		return source.Reference{}, "path_required", errors.New("path query parameter is required for volume assets")
	}
	return source.FromAsset(storage.NewFileAsset(volume, originPath, "")), "", nil
}

func (h *sourceHandler) serveFile(c fiber.Ctx, resolved *source.SourceReference, localPath string, size int64) error {
	if resolved.Extension != "" {
		c.Type(resolved.Extension)
	}
	c.Response().Header.SetContentLength(int(size))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		return nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("open local copy failed: %v", err))
	}
	defer file.Close()

	if _, err := io.Copy(c.Response().BodyWriter(), file); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read local copy failed: %v", err))
	}
	return nil
}

func (h *sourceHandler) fail(c fiber.Ctx, requestID, origin string, status int, code string, err error, started time.Time) error {
	fields := logging.WithElapsed(logrus.Fields{"action": "resolve"}, started)
	fields["origin"] = origin
	fields["status"] = status
	fields["error"] = err.Error()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.WithFields(fields).Error("resolve_failed")
	} else {
		h.logger.WithFields(fields).Warn("resolve_failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": err.Error(),
	})
}

func (h *sourceHandler) logResult(requestID string, resolved *source.SourceReference, localPath string, cacheHit bool, started time.Time) {
	fields := logging.WithElapsed(logging.FetchFields(string(resolved.Kind), resolved.Origin(), localPath, cacheHit), started)
	fields["action"] = "resolve"
	fields["status"] = fiber.StatusOK
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("resolve_complete")
}

func wantsMeta(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// statusForError 将错误分类映射为 HTTP 状态码与错误码。
func statusForError(err error, fetched bool) (int, string) {
	switch {
	case errors.Is(err, source.ErrUnsupportedReference):
		return fiber.StatusBadRequest, "unsupported_reference"
	case errors.Is(err, source.ErrResolution):
		return fiber.StatusUnprocessableEntity, "resolution_failed"
	case errors.Is(err, source.ErrConfiguration):
		return fiber.StatusServiceUnavailable, "no_transport"
	case errors.Is(err, source.ErrFetch):
		return fiber.StatusBadGateway, "fetch_failed"
	case errors.Is(err, source.ErrValidation):
		if fetched {
			return fiber.StatusBadGateway, "invalid_download"
		}
		return fiber.StatusNotFound, "source_missing"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}
