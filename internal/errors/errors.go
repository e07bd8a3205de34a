package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrTimeout      ErrorCode = 1002
	ErrCanceled     ErrorCode = 1003

	// 编解码错误 (2000-2999)
	ErrEncoding        ErrorCode = 2000
	ErrDecoding        ErrorCode = 2001
	ErrChecksum        ErrorCode = 2002
	ErrPayloadTooLarge ErrorCode = 2003
	ErrInvalidMessage  ErrorCode = 2004

	// 传输错误 (3000-3999)
	ErrPortOpen        ErrorCode = 3000
	ErrPortWrite       ErrorCode = 3001
	ErrPortRead        ErrorCode = 3002
	ErrReceiveTimeout  ErrorCode = 3003
	ErrPortClosed      ErrorCode = 3004
	ErrDeviceNotFound  ErrorCode = 3005
	ErrMultipleDevices ErrorCode = 3006
	ErrDisconnected    ErrorCode = 3007

	// 设备错误 (4000-4999)
	ErrHandshake          ErrorCode = 4000
	ErrDeviceResponse     ErrorCode = 4001
	ErrUnexpectedResponse ErrorCode = 4002
	ErrInvalidMode        ErrorCode = 4003

	// 配置错误 (5000-5999)
	ErrConfigLoad     ErrorCode = 5000
	ErrConfigParse    ErrorCode = 5001
	ErrConfigValidate ErrorCode = 5002

	// 存储错误 (6000-6999)
	ErrDatabaseConnect ErrorCode = 6000
	ErrDatabaseInsert  ErrorCode = 6001
	ErrDatabaseQuery   ErrorCode = 6002

	// 记录采集错误 (7000-7999)
	ErrRecordWrite ErrorCode = 7000
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:      "未知错误",
	ErrInvalidParam: "无效的参数",
	ErrTimeout:      "操作超时",
	ErrCanceled:     "操作已取消",

	// 编解码错误
	ErrEncoding:        "消息编码失败",
	ErrDecoding:        "数据帧解码失败",
	ErrChecksum:        "校验失败",
	ErrPayloadTooLarge: "载荷超出长度限制",
	ErrInvalidMessage:  "无效的设备消息",

	// 传输错误
	ErrPortOpen:        "打开连接失败",
	ErrPortWrite:       "写入失败",
	ErrPortRead:        "读取失败",
	ErrReceiveTimeout:  "接收超时",
	ErrPortClosed:      "连接已关闭",
	ErrDeviceNotFound:  "未找到设备",
	ErrMultipleDevices: "找到多个匹配设备",
	ErrDisconnected:    "设备已断开",

	// 设备错误
	ErrHandshake:          "连接握手失败",
	ErrDeviceResponse:     "设备返回错误响应",
	ErrUnexpectedResponse: "意外的设备响应",
	ErrInvalidMode:        "无效的工作模式",

	// 配置错误
	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",

	// 存储错误
	ErrDatabaseConnect: "数据库连接失败",
	ErrDatabaseInsert:  "数据库插入失败",
	ErrDatabaseQuery:   "数据库查询失败",

	// 记录采集错误
	ErrRecordWrite: "记录文件写入失败",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	// 捕获调用栈
	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/airel/go-tic/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrTimeout,
		ErrReceiveTimeout,
		ErrDisconnected,
		ErrDatabaseConnect:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrPortOpen,
		ErrConfigLoad,
		ErrConfigValidate,
		ErrDatabaseConnect:
		return true
	default:
		return false
	}
}
