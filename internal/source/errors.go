package source

import (
	"errors"
	"fmt"
)

// 错误分类，调用方通过 errors.Is 判断失败类型。
var (
	// ErrUnsupportedReference 表示引用无法分类。
	ErrUnsupportedReference = errors.New("unsupported image reference")
	// ErrResolution 表示路径计算或目录准备失败。
	ErrResolution = errors.New("source resolution failed")
	// ErrFetch 表示网络或卷传输失败，核心不做重试。
	ErrFetch = errors.New("source fetch failed")
	// ErrConfiguration 表示没有任何可用的下载通道。
	ErrConfiguration = errors.New("no viable transport configured")
	// ErrValidation 表示下载声称成功但最终文件不存在或不完整。
	ErrValidation = errors.New("local copy failed validation")
)

// Error 携带失败类型、操作、原始引用以及底层原因。
type Error struct {
	Kind error
	Op   string
	Ref  string
	// Status 仅在 HTTP 下载失败时非零。
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Ref != "" {
		msg += fmt.Sprintf(" (%s)", e.Ref)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": http status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 同时暴露分类与底层原因。
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError 构造指定分类的错误。
func NewError(kind error, op, ref string, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}
