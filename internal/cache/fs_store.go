package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	stagingPrefix     = "~"
	defaultStaleAfter = 10 * time.Minute
)

// Option 调整 fileStore 的可选行为。
type Option func(*fileStore)

// WithLogger 指定清理失败时使用的日志实例。
func WithLogger(logger *logrus.Logger) Option {
	return func(s *fileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStaleAfter 设置暂存文件被视为崩溃残留的年龄，应大于单次下载的超时时间。
func WithStaleAfter(d time.Duration) Option {
	return func(s *fileStore) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string, opts ...Option) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	store := &fileStore{
		basePath:   abs,
		locks:      make(map[string]*entryLock),
		staleAfter: defaultStaleAfter,
		logger:     logrus.StandardLogger(),
		now:        time.Now,
		chtimes:    os.Chtimes,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// fileStore 通过 entryLock 避免同一 Locator 在进程内并发暂存，跨进程依赖唯一暂存名 + rename。
type fileStore struct {
	basePath   string
	staleAfter time.Duration
	logger     *logrus.Logger
	now        func() time.Time
	chtimes    func(string, time.Time, time.Time) error

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string {
	return s.basePath
}

func (s *fileStore) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

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
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Stage(ctx context.Context, locator Locator, fill StageFunc, opts StageOptions) (*Entry, error) {
	if fill == nil {
		return nil, errors.New("stage func required")
	}
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(filePath)
	defer unlock()

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	// 上次崩溃可能留下暂存文件，先清掉，不依赖卷驱动去处理。
	s.sweepStaging(dir, locator.Name)

	stagingPath := filepath.Join(dir, stagingPrefix+locator.Name+"."+uuid.NewString())
	if err := fill(ctx, stagingPath); err != nil {
		s.discard(stagingPath)
		return nil, err
	}

	info, err := os.Stat(stagingPath)
	if err != nil || info.IsDir() {
		s.discard(stagingPath)
		return nil, ErrStagingMissing
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}
	if opts.Verify != nil {
		if err := opts.Verify(entry); err != nil {
			s.discard(stagingPath)
			return nil, err
		}
	}

	if err := os.Rename(stagingPath, filePath); err != nil {
		s.discard(stagingPath)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = s.now()
	}
	// 此时文件已提升，时间戳失败只记录日志。
	if err := s.chtimes(filePath, modTime, modTime); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "stage",
			"path":   filePath,
		}).Warn("stage_mtime_failed")
		return &entry, nil
	}
	entry.ModTime = modTime
	return &entry, nil
}

// sweepStaging 删除同名条目超过 staleAfter 的暂存文件，失败只记录日志。
func (s *fileStore) sweepStaging(dir, name string) {
	legacy := filepath.Join(dir, stagingPrefix+name)
	matches, err := filepath.Glob(globEscape(legacy) + ".*")
	if err != nil {
		return
	}
	matches = append(matches, legacy)
	cutoff := s.now().Add(-s.staleAfter)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		s.discard(match)
	}
}

// discard 尽力删除暂存文件；删除失败不影响下一次尝试的正确性，因此只告警。
func (s *fileStore) discard(stagingPath string) {
	if err := os.Remove(stagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "staging_cleanup",
			"path":   stagingPath,
		}).Warn("staging_cleanup_failed")
	}
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	name := locator.Name
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", errors.New("invalid cache entry name")
	}
	if strings.HasPrefix(name, stagingPrefix) {
		return "", errors.New("cache entry name uses staging prefix")
	}

	rel := strings.TrimPrefix(path.Clean("/"+locator.Dir), "/")
	filePath := filepath.Join(s.basePath, filepath.FromSlash(rel), name)
	if !strings.HasPrefix(filePath, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// CopyWithContext 按块复制并在每次读取前检查 ctx，超时/取消能及时中断写入。
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func globEscape(value string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return replacer.Replace(value)
}
