// Package failure 定义请求处理链路对外暴露的错误分类，所有阶段的错误最终都会被
// 归一为 *Error，保证调用方只看到 Kind/Stage/Source 与一段有界摘要。
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"unicode/utf8"
)

// Kind 标识错误类别，取值固定，便于 HTTP 层映射状态码。
type Kind string

const (
	UnresolvableSource      Kind = "UnresolvableSource"
	UnsupportedFormat       Kind = "UnsupportedFormat"
	IncompatibleTarget      Kind = "IncompatibleTarget"
	InvalidResamplingMethod Kind = "InvalidResamplingMethod"
	EngineExecutionError    Kind = "EngineExecutionError"
	CacheIOError            Kind = "CacheIOError"
	Timeout                 Kind = "Timeout"
	Cancelled               Kind = "Cancelled"
)

// Stage 记录失败发生的处理阶段。
type Stage string

const (
	StageResolving Stage = "resolving"
	StagePlanning  Stage = "planning"
	StageCache     Stage = "cache"
	StageExecuting Stage = "executing"
	StageCaching   Stage = "caching"
)

// MaxSummaryRunes 限制对外摘要长度，避免底层诊断信息整段泄露。
const MaxSummaryRunes = 200

// Error 是带分类信息的错误，Err 保留原始错误供日志使用。
type Error struct {
	Kind      Kind
	Stage     Stage
	Source    string
	Target    string
	Summary   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建指定类别的错误，摘要取自 err 并截断。
func New(kind Kind, err error) *Error {
	fe := &Error{Kind: kind, Err: err}
	if err != nil {
		fe.Summary = Truncate(err.Error())
	}
	return fe
}

// Newf 以格式化消息创建错误。
func Newf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Err: err, Summary: Truncate(err.Error())}
}

// KindOf 返回 err 链上第一个 *Error 的类别；context 错误会被映射为 Timeout/Cancelled。
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout, true
	case errors.Is(err, context.Canceled):
		return Cancelled, true
	}
	return "", false
}

// Wrap 将任意错误归一为 *Error；已分类的错误保持原类别，仅补充缺失的上下文。
func Wrap(err error, fallback Kind, stage Stage) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cloned := *fe
		if cloned.Stage == "" {
			cloned.Stage = stage
		}
		return &cloned
	}
	kind := fallback
	if k, ok := KindOf(err); ok {
		kind = k
	}
	wrapped := New(kind, err)
	wrapped.Stage = stage
	wrapped.Transient = IsTransientIO(err)
	return wrapped
}

// IsTransient 判断错误是否允许自动重试一次。
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind != EngineExecutionError && fe.Kind != CacheIOError {
			return false
		}
		return fe.Transient || IsTransientIO(fe.Err)
	}
	return false
}

// IsTransientIO 识别短暂性 I/O 故障：EAGAIN/EBUSY/EINTR/EIO 以及被截断的读取。
func IsTransientIO(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.EIO),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

// Truncate 将消息裁剪到 MaxSummaryRunes 个字符（含省略号）。
func Truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxSummaryRunes {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxSummaryRunes-1]) + "…"
}
