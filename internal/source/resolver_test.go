package source

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/storage"
	"github.com/any-hub/imgcache/internal/storage/bucket"
	"github.com/any-hub/imgcache/internal/storage/local"
)

func TestResolveRemoteURL(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	ref, err := resolver.Resolve(FromString("https://Example.com/images/My%20Photo.jpg"))
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if ref.Kind != KindRemoteURL {
		t.Fatalf("unexpected kind %s", ref.Kind)
	}
	if ref.CacheRoot != cfg.RuntimePath {
		t.Fatalf("remote copies belong to the runtime path, got %s", ref.CacheRoot)
	}
	if ref.SubPath != "remote/example.com/images" {
		t.Fatalf("unexpected subpath %s", ref.SubPath)
	}
	wantBase := "My-Photo_" + digest("My Photo.jpg")
	if ref.Filename != wantBase+".jpg" || ref.Basename != wantBase || ref.Extension != "jpg" {
		t.Fatalf("unexpected naming: %s %s %s", ref.Filename, ref.Basename, ref.Extension)
	}
	if ref.CanonicalURL != "https://Example.com/images/My%20Photo.jpg" {
		t.Fatalf("canonical url must be the original reference, got %s", ref.CanonicalURL)
	}
	if !ref.RequiresFetch() {
		t.Fatalf("remote references require a fetch")
	}
	if info, err := os.Stat(ref.Dir()); err != nil || !info.IsDir() {
		t.Fatalf("resolver should prepare the cache directory: %v", err)
	}

	// 目录已存在时再次解析不是错误。
	again, err := resolver.Resolve(FromString("https://Example.com/images/My%20Photo.jpg"))
	if err != nil {
		t.Fatalf("second resolve error: %v", err)
	}
	if again.LocalPath() != ref.LocalPath() {
		t.Fatalf("path derivation must be idempotent: %s vs %s", again.LocalPath(), ref.LocalPath())
	}
}

func TestResolveRemoteQueryString(t *testing.T) {
	cfg := testGlobalConfig(t)
	cfg.UseRemoteURLQueryString = true
	resolver := NewResolver(cfg)

	w100 := mustResolve(t, resolver, "https://example.com/a.jpg?w=100")
	w200 := mustResolve(t, resolver, "https://example.com/a.jpg?w=200")
	plain := mustResolve(t, resolver, "https://example.com/a.jpg")

	if w100.Basename == w200.Basename || w100.Basename == plain.Basename || w200.Basename == plain.Basename {
		t.Fatalf("query variants must not share a basename: %s %s %s", w100.Basename, w200.Basename, plain.Basename)
	}
	if plain.Filename != "a.jpg" {
		t.Fatalf("unexpected filename %s", plain.Filename)
	}
	if !strings.HasPrefix(w100.Filename, "a_") || !strings.HasSuffix(w100.Filename, ".jpg") {
		t.Fatalf("query hash must be folded into the basename, got %s", w100.Filename)
	}

	cfg.UseRemoteURLQueryString = false
	ignoring := NewResolver(cfg)
	if mustResolve(t, ignoring, "https://example.com/a.jpg?w=100").LocalPath() != mustResolve(t, ignoring, "https://example.com/a.jpg").LocalPath() {
		t.Fatalf("query string should be ignored unless enabled")
	}
}

func TestResolveRemoteNaming(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	ref := mustResolve(t, resolver, "https://example.com/caf%C3%A9/%C3%BCber.jpg")
	if ref.SubPath != "remote/example.com/cafe_"+digest("café") || ref.Filename != "uber_"+digest("über.jpg")+".jpg" {
		t.Fatalf("unexpected transliteration: %s/%s", ref.SubPath, ref.Filename)
	}

	ref = mustResolve(t, resolver, "http://example.com:8080/a.png")
	if ref.SubPath != "remote/example.com_8080" {
		t.Fatalf("port must be folded into the host segment, got %s", ref.SubPath)
	}

	ref = mustResolve(t, resolver, "https://example.com/images/photo.jpg")
	if ref.SubPath != "remote/example.com/images" || ref.Filename != "photo.jpg" {
		t.Fatalf("safe names must be kept as is: %s/%s", ref.SubPath, ref.Filename)
	}

	ref = mustResolve(t, resolver, "https://example.com/noext")
	if ref.Filename != "noext" || ref.Extension != "" {
		t.Fatalf("unexpected naming without extension: %s %q", ref.Filename, ref.Extension)
	}
}

func TestResolveRemoteNonLatinNamesStayDistinct(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	groups := [][]string{
		{"https://example.ru/фото.jpg", "https://example.ru/кот.jpg", "https://example.ru/foto.jpg"},
		{"https://example.jp/画像/1.jpg", "https://example.jp/写真/1.jpg", "https://example.jp/1.jpg"},
		{"https://example.com/50%25.jpg", "https://example.com/50.jpg"},
		{"https://example.com/a%20b.jpg", "https://example.com/a-b.jpg"},
		{"https://пример.рф/a.jpg", "https://example.rf/a.jpg"},
	}
	for _, group := range groups {
		seen := make(map[string]string, len(group))
		for _, raw := range group {
			ref := mustResolve(t, resolver, raw)
			if ref.Basename == "" || strings.HasPrefix(ref.Filename, ".") {
				t.Fatalf("%s produced a hidden or empty name: %q", raw, ref.Filename)
			}
			if other, ok := seen[ref.LocalPath()]; ok {
				t.Fatalf("%s and %s both map to %s", other, raw, ref.LocalPath())
			}
			seen[ref.LocalPath()] = raw
		}
	}

	ref := mustResolve(t, resolver, "https://example.ru/%D1%84%D0%BE%D1%82%D0%BE.jpg")
	if ref.Filename != "foto_"+digest("фото.jpg")+".jpg" {
		t.Fatalf("cyrillic names should be transliterated, got %s", ref.Filename)
	}
	if mustResolve(t, resolver, "https://example.ru/фото.jpg").LocalPath() != ref.LocalPath() {
		t.Fatalf("escaped and literal forms of one url must share a path")
	}
}

func TestResolveRemoteStaysInsideRoot(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	for _, raw := range []string{
		"https://example.com/../../etc/passwd.jpg",
		"https://example.com/%2e%2e/%2e%2e/etc/passwd.jpg",
		"https://example.com/a/..%2f..%2f..%2fescape.jpg",
	} {
		ref := mustResolve(t, resolver, raw)
		if !strings.HasPrefix(ref.LocalPath(), cfg.RuntimePath+string(filepath.Separator)) {
			t.Fatalf("%s escaped the runtime path: %s", raw, ref.LocalPath())
		}
		if strings.Contains(ref.SubPath, "..") || strings.ContainsAny(ref.Filename, `/\`) {
			t.Fatalf("%s produced unsafe segments: %s / %s", raw, ref.SubPath, ref.Filename)
		}
	}
}

func TestResolveRemoteHashedSubPath(t *testing.T) {
	cfg := testGlobalConfig(t)
	cfg.HashRemoteURL = true
	resolver := NewResolver(cfg)

	a := mustResolve(t, resolver, "https://example.com/images/a.jpg")
	b := mustResolve(t, resolver, "https://example.com/other/a.jpg")
	if !strings.HasPrefix(a.SubPath, "remote/") || len(a.SubPath) != len("remote/")+32 {
		t.Fatalf("unexpected hashed subpath %s", a.SubPath)
	}
	if a.SubPath == b.SubPath {
		t.Fatalf("different directories must hash differently")
	}
}

func TestResolveRemoteWithoutFilename(t *testing.T) {
	resolver := NewResolver(testGlobalConfig(t))
	for _, raw := range []string{"https://example.com/", "https://example.com", "https:///a.jpg"} {
		if _, err := resolver.Resolve(FromString(raw)); !errors.Is(err, ErrResolution) {
			t.Fatalf("%s: expected ErrResolution, got %v", raw, err)
		}
	}
}

func TestResolveLocal(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	ref := mustResolve(t, resolver, "/images/photo.png")
	if ref.Kind != KindLocal {
		t.Fatalf("unexpected kind %s", ref.Kind)
	}
	if ref.CacheRoot != cfg.DocumentRoot {
		t.Fatalf("local files live under the document root, got %s", ref.CacheRoot)
	}
	if ref.LocalPath() != filepath.Join(cfg.DocumentRoot, "images", "photo.png") {
		t.Fatalf("unexpected local path %s", ref.LocalPath())
	}
	if ref.RequiresFetch() {
		t.Fatalf("local references never require a fetch")
	}
	if _, err := os.Stat(filepath.Join(cfg.DocumentRoot, "images")); !os.IsNotExist(err) {
		t.Fatalf("resolver must not create directories for local files")
	}

	ref = mustResolve(t, resolver, "/../../etc/passwd")
	if ref.LocalPath() != filepath.Join(cfg.DocumentRoot, "etc", "passwd") {
		t.Fatalf("traversal must be clamped to the document root, got %s", ref.LocalPath())
	}
}

func TestResolveManagedCacheFile(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	ref := mustResolve(t, resolver, "/imager/remote/example.com/a_500.jpg?v=2")
	if ref.Kind != KindManagedCacheFile {
		t.Fatalf("unexpected kind %s", ref.Kind)
	}
	if ref.CacheRoot != cfg.CachePath || ref.SubPath != "remote/example.com" || ref.Filename != "a_500.jpg" {
		t.Fatalf("unexpected managed path %s %s %s", ref.CacheRoot, ref.SubPath, ref.Filename)
	}
	if ref.RequiresFetch() {
		t.Fatalf("managed cache files never require a fetch")
	}
}

func TestResolveDirectVolume(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	root := t.TempDir()
	volume, err := local.New("media", root, "https://cdn.example.com/media")
	if err != nil {
		t.Fatalf("local volume error: %v", err)
	}

	ref, err := resolver.Resolve(FromAsset(storage.NewFileAsset(volume, "2024/05/a.jpg", "")))
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if ref.VolumeMode != VolumeLocal || ref.RequiresFetch() {
		t.Fatalf("local-backed volume must be zero-copy, got %s", ref.VolumeMode)
	}
	if ref.LocalPath() != filepath.Join(root, "2024", "05", "a.jpg") {
		t.Fatalf("path must point into the volume root, got %s", ref.LocalPath())
	}
	if ref.CanonicalURL != "https://cdn.example.com/media/2024/05/a.jpg" {
		t.Fatalf("unexpected canonical url %s", ref.CanonicalURL)
	}
	if ref.Asset() == nil || ref.Origin() != "volume:media/2024/05/a.jpg" {
		t.Fatalf("unexpected origin %s", ref.Origin())
	}
}

func TestResolveCopyOutVolume(t *testing.T) {
	cfg := testGlobalConfig(t)
	resolver := NewResolver(cfg)

	volume, err := bucket.New("s3", "http://bucket.example.com/assets", "https://img.example.com", nil)
	if err != nil {
		t.Fatalf("bucket volume error: %v", err)
	}

	ref, err := resolver.Resolve(FromAsset(storage.NewFileAsset(volume, "2024/a b.jpg", "")))
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if ref.VolumeMode != VolumeCopyOut || !ref.RequiresFetch() {
		t.Fatalf("bucket volume must be copy-out, got %s", ref.VolumeMode)
	}
	if ref.CacheRoot != cfg.RuntimePath || ref.SubPath != "volumes/s3/2024" || ref.Filename != "a-b_"+digest("a b.jpg")+".jpg" {
		t.Fatalf("unexpected copy-out path %s %s %s", ref.CacheRoot, ref.SubPath, ref.Filename)
	}
	if ref.CanonicalURL != "https://img.example.com/2024/a%20b.jpg" {
		t.Fatalf("canonical url must come from the backend, got %s", ref.CanonicalURL)
	}
	if _, err := os.Stat(ref.Dir()); err != nil {
		t.Fatalf("copy-out directory should exist: %v", err)
	}

	other, err := bucket.New("gcs", "http://other.example.com", "", nil)
	if err != nil {
		t.Fatalf("bucket volume error: %v", err)
	}
	otherRef, err := resolver.Resolve(FromAsset(storage.NewFileAsset(other, "2024/a b.jpg", "")))
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if otherRef.LocalPath() == ref.LocalPath() {
		t.Fatalf("volumes must not share a namespace")
	}
}

func TestResolveDirectoryFailure(t *testing.T) {
	resolver := NewResolver(testGlobalConfig(t))
	boom := errors.New("read-only file system")
	resolver.mkdirAll = func(string, os.FileMode) error { return boom }

	_, err := resolver.Resolve(FromString("https://example.com/a.jpg"))
	if !errors.Is(err, ErrResolution) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrResolution wrapping the cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "https://example.com/a.jpg") {
		t.Fatalf("error should name the origin: %v", err)
	}

	// 本地文件不创建目录，因此不受影响。
	if _, err := resolver.Resolve(FromString("/images/a.jpg")); err != nil {
		t.Fatalf("local resolve should not touch directories: %v", err)
	}
}

func TestResolveUnsupported(t *testing.T) {
	resolver := NewResolver(testGlobalConfig(t))
	if _, err := resolver.Resolve(Reference{}); !errors.Is(err, ErrUnsupportedReference) {
		t.Fatalf("expected ErrUnsupportedReference, got %v", err)
	}
}

func TestResolveRemoteProperties(t *testing.T) {
	cfg := testGlobalConfig(t)
	cfg.UseRemoteURLQueryString = true
	resolver := NewResolver(cfg)
	resolver.mkdirAll = func(string, os.FileMode) error { return nil }

	// 段内混入拉丁扩展、西里尔、希腊、CJK、空格、% 与 +，并随机选择转义方式。
	letters := []rune("abcxyz019-_.~ %+éüßфотокЩαθήω画像写真")
	segment := rapid.Custom(func(t *rapid.T) string {
		chars := rapid.SliceOfN(rapid.SampledFrom(letters), 1, 6).Draw(t, "chars")
		return string(chars)
	}).Filter(func(s string) bool { return s != "." && s != ".." })
	escape := func(t *rapid.T, decoded string) string {
		encoded := url.QueryEscape(decoded)
		if rapid.Bool().Draw(t, "percent_space") {
			encoded = strings.ReplaceAll(encoded, "+", "%20")
		}
		return encoded
	}
	type remoteOrigin struct {
		raw string
		key string
	}
	origin := rapid.Custom(func(t *rapid.T) remoteOrigin {
		host := rapid.SampledFrom([]string{"a.example.com", "b.example.com", "example.com:8080"}).Draw(t, "host")
		dirs := rapid.SliceOfN(segment, 0, 3).Draw(t, "dirs")
		name := segment.Draw(t, "name") + rapid.SampledFrom([]string{"", ".jpg", ".png"}).Draw(t, "ext")
		query := rapid.SampledFrom([]string{"", "?w=100", "?w=200", "?w=100&h=50"}).Draw(t, "query")

		decoded := append(append([]string{}, dirs...), name)
		encoded := make([]string, len(decoded))
		for i, part := range decoded {
			encoded[i] = escape(t, part)
		}
		// 仅转义方式不同的地址解码后发出同一个请求，key 以解码后的路径区分来源。
		return remoteOrigin{
			raw: "https://" + host + "/" + strings.Join(encoded, "/") + query,
			key: host + "/" + strings.Join(decoded, "/") + query,
		}
	})

	rapid.Check(t, func(t *rapid.T) {
		o1 := origin.Draw(t, "o1")
		o2 := origin.Draw(t, "o2")

		r1, err := resolver.Resolve(FromString(o1.raw))
		if err != nil {
			t.Fatalf("resolve %s: %v", o1.raw, err)
		}
		again, err := resolver.Resolve(FromString(o1.raw))
		if err != nil {
			t.Fatalf("resolve %s: %v", o1.raw, err)
		}
		if r1.LocalPath() != again.LocalPath() {
			t.Fatalf("non-idempotent derivation for %s", o1.raw)
		}

		r2, err := resolver.Resolve(FromString(o2.raw))
		if err != nil {
			t.Fatalf("resolve %s: %v", o2.raw, err)
		}
		if o1.key != o2.key && r1.LocalPath() == r2.LocalPath() {
			t.Fatalf("collision: %s and %s both map to %s", o1.raw, o2.raw, r1.LocalPath())
		}
		if o1.key == o2.key && r1.LocalPath() != r2.LocalPath() {
			t.Fatalf("%s and %s name the same resource but map to %s and %s", o1.raw, o2.raw, r1.LocalPath(), r2.LocalPath())
		}
		if r1.Basename == "" || strings.HasPrefix(r1.Filename, ".") {
			t.Fatalf("%s produced a hidden or empty name: %q", o1.raw, r1.Filename)
		}
		if !strings.HasPrefix(r1.LocalPath(), cfg.RuntimePath+string(filepath.Separator)) {
			t.Fatalf("%s escaped the runtime path", o1.raw)
		}
	})
}

func testGlobalConfig(t *testing.T) config.GlobalConfig {
	t.Helper()
	base := t.TempDir()
	cfg := config.GlobalConfig{
		CacheURL:     "/imager/",
		CachePath:    filepath.Join(base, "cache"),
		DocumentRoot: filepath.Join(base, "public"),
		RuntimePath:  filepath.Join(base, "runtime"),
	}
	config.ApplyDefaults(&cfg)
	return cfg
}

func mustResolve(t *testing.T, resolver *Resolver, raw string) *SourceReference {
	t.Helper()
	ref, err := resolver.Resolve(FromString(raw))
	if err != nil {
		t.Fatalf("resolve %s: %v", raw, err)
	}
	return ref
}
