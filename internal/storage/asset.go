package storage

import (
	"path"
	"strings"
)

// FileAsset 是卷内的一个文件引用，originPath 使用 URL 路径风格且相对卷根。
type FileAsset struct {
	volume     Backend
	originPath string
	publicURL  string
}

// NewFileAsset 构造卷内资源引用；publicURL 为空时由卷的 GenerateURL 推导。
func NewFileAsset(volume Backend, originPath, publicURL string) *FileAsset {
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(originPath)), "/")
	if publicURL == "" && volume != nil {
		if generated, err := volume.GenerateURL(clean); err == nil {
			publicURL = generated
		}
	}
	return &FileAsset{
		volume:     volume,
		originPath: clean,
		publicURL:  publicURL,
	}
}

func (a *FileAsset) Volume() Backend {
	return a.volume
}

func (a *FileAsset) OriginPath() string {
	return a.originPath
}

func (a *FileAsset) PublicURL() string {
	return a.publicURL
}

// Filename 返回文件名，withExtension 为 false 时去掉扩展名。
func (a *FileAsset) Filename(withExtension bool) string {
	name := path.Base(a.originPath)
	if name == "." || name == "/" {
		return ""
	}
	if withExtension {
		return name
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

func (a *FileAsset) Extension() string {
	return strings.TrimPrefix(path.Ext(a.originPath), ".")
}
