package source

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// segmentDigestLen 是有损段名后追加的摘要长度（md5 十六进制前缀）。
const segmentDigestLen = 8

// NFKD 分解后不会落到 ASCII 的常见字母。
var asciiFallbacks = map[rune]string{
	'ß': "ss", 'æ': "ae", 'Æ': "AE", 'œ': "oe", 'Œ': "OE",
	'ø': "o", 'Ø': "O", 'đ': "d", 'Đ': "D", 'ł': "l", 'Ł': "L",
	'þ': "th", 'Þ': "TH", 'ð': "d", 'Ð': "D",
}

// 西里尔与希腊字母的小写转写；大写形式在 init 中派生。
var (
	cyrillicTranslit = map[rune]string{
		'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ж': "zh",
		'з': "z", 'и': "i", 'к': "k", 'л': "l", 'м': "m", 'н': "n", 'о': "o",
		'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u", 'ф': "f", 'х': "h",
		'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch", 'ы': "y", 'э': "e",
		'ю': "yu", 'я': "ya", 'і': "i", 'є': "ye", 'ґ': "g", 'ђ': "dj",
		'ј': "j", 'љ': "lj", 'њ': "nj", 'ћ': "c", 'џ': "dz", 'ў': "u",
	}
	greekTranslit = map[rune]string{
		'α': "a", 'β': "v", 'γ': "g", 'δ': "d", 'ε': "e", 'ζ': "z", 'η': "i",
		'θ': "th", 'ι': "i", 'κ': "k", 'λ': "l", 'μ': "m", 'ν': "n", 'ξ': "x",
		'ο': "o", 'π': "p", 'ρ': "r", 'σ': "s", 'ς': "s", 'τ': "t", 'υ': "y",
		'φ': "f", 'χ': "ch", 'ψ': "ps", 'ω': "o",
	}
)

func init() {
	for _, table := range []map[rune]string{cyrillicTranslit, greekTranslit} {
		for r, latin := range table {
			asciiFallbacks[r] = latin
			if upper := unicode.ToUpper(r); upper != r {
				if _, ok := asciiFallbacks[upper]; !ok {
					asciiFallbacks[upper] = strings.ToUpper(latin[:1]) + latin[1:]
				}
			}
		}
	}
}

// toASCII 去掉变音符号、转写拉丁扩展/西里尔/希腊字母，丢弃其余无法转写的字符。
func toASCII(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	decomposed, _, err := transform.String(t, value)
	if err != nil {
		decomposed = value
	}

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case r >= 0x20 && r < unicode.MaxASCII:
			b.WriteRune(r)
		case asciiFallbacks[r] != "":
			b.WriteString(asciiFallbacks[r])
		}
	}
	return b.String()
}

// cleanSegment 把单个路径段转换为可落盘的 ASCII 名称。转换有损或结果为空时，
// 追加原始段的短摘要，不同的段因此不会落到同一个名字上。
func cleanSegment(segment string) string {
	clean := sanitizeFilename(toASCII(segment))
	if clean != "" && clean == segment {
		return clean
	}
	return withDigest(clean, segment)
}

// cleanFilename 与 cleanSegment 规则相同，但摘要放在扩展名之前。
func cleanFilename(name string) (filename, base, ext string) {
	rawBase, rawExt := splitName(name)
	base = sanitizeFilename(toASCII(rawBase))
	ext = sanitizeFilename(toASCII(rawExt))
	if base == "" || joinName(base, ext) != name {
		base = withDigest(base, name)
	}
	return joinName(base, ext), base, ext
}

func joinName(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func withDigest(clean, original string) string {
	digest := md5Hex(original)[:segmentDigestLen]
	if clean == "" {
		return digest
	}
	return clean + "_" + digest
}

// decodeURL 按表单语义解码（+ 视为空格），非法转义时保持原样。
func decodeURL(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// splitURL 手工拆分 scheme://host/path?query#fragment。解码后的字符串可能含有
// 字面量 %，url.Parse 会拒绝，所以这里不用它。
func splitURL(value string) (host, p, query string) {
	rest := value
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		query = rest[idx+1:]
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		host, p = rest[:idx], rest[idx:]
	} else {
		host, p = rest, "/"
	}
	if at := strings.LastIndexByte(host, '@'); at >= 0 {
		host = host[at+1:]
	}
	return strings.ToLower(host), p, query
}

// splitName 将文件名拆成不含扩展名的部分与扩展名。
func splitName(name string) (base, ext string) {
	ext = path.Ext(name)
	base = strings.TrimSuffix(name, ext)
	return base, strings.TrimPrefix(ext, ".")
}

const forbiddenNameChars = `\/?%*:|"<>`

// sanitizeFilename 移除文件名中不能出现在路径里的字符。结果为空、"." 或 ".." 时返回空串。
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < 0x20 || r == 0x7f:
		case strings.ContainsRune(forbiddenNameChars, r):
		case r == ' ':
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	// ~ 前缀保留给暂存文件。
	clean := strings.TrimLeft(b.String(), "~")
	if clean == "." || clean == ".." {
		return ""
	}
	return clean
}

// cleanSubPath 规范化目录部分：消除 ..，逐段经 cleanSegment 转换，结果不以 / 开头。
func cleanSubPath(dir string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+dir), "/")
	if cleaned == "" {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = cleanSegment(part)
	}
	return strings.Join(parts, "/")
}

// joinSubPath 拼接多个命名空间片段，忽略空片段。
func joinSubPath(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, "/"); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}

func md5Hex(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}
