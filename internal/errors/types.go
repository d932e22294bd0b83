package errors

import (
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 连接错误
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeHeartbeatFailed  ErrorCode = "HEARTBEAT_FAILED"
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"

	// 集合错误
	ErrCodeCollectionGetFailed    ErrorCode = "COLLECTION_GET_FAILED"
	ErrCodeCollectionCreateFailed ErrorCode = "COLLECTION_CREATE_FAILED"
	ErrCodeCollectionNotFound     ErrorCode = "COLLECTION_NOT_FOUND"

	// 检索错误
	ErrCodeSearchFailed    ErrorCode = "SEARCH_FAILED"
	ErrCodeSearchGetFailed ErrorCode = "SEARCH_GET_FAILED"

	// 写入错误
	ErrCodeStorageAddFailed         ErrorCode = "STORAGE_ADD_FAILED"
	ErrCodeStorageEmptyBatch        ErrorCode = "STORAGE_EMPTY_BATCH"
	ErrCodeStorageDimensionMismatch ErrorCode = "STORAGE_DIMENSION_MISMATCH"

	// 删除错误
	ErrCodeDeleteFailed     ErrorCode = "DELETE_FAILED"
	ErrCodeDeleteNoSelector ErrorCode = "DELETE_NO_SELECTOR"

	// 向量化错误（部署配置问题，永不重试）
	ErrCodeEmbeddingUnavailable ErrorCode = "EMBEDDING_UNAVAILABLE"
	ErrCodeEmbeddingFailed      ErrorCode = "EMBEDDING_FAILED"

	// 请求校验错误
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"

	// 通用错误
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorKind 错误类别
type ErrorKind int

const (
	KindConnection ErrorKind = iota
	KindCollection
	KindSearch
	KindStorage
	KindDelete
	KindEmbedding
	KindValidation
	KindInternal
)

// String 返回类别名称
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindCollection:
		return "collection"
	case KindSearch:
		return "search"
	case KindStorage:
		return "storage"
	case KindDelete:
		return "delete"
	case KindEmbedding:
		return "embedding"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Kind      ErrorKind   `json:"-"`
	Retryable bool        `json:"retryable"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// 错误构造函数

// NewConnectionError 创建连接错误（传输层，可重试）
func NewConnectionError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Kind:      KindConnection,
		Retryable: true,
	}
}

// NewCollectionError 创建集合错误（逻辑层，竞态解决后不重试）
func NewCollectionError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    KindCollection,
	}
}

// NewSearchError 创建检索错误
func NewSearchError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    KindSearch,
	}
}

// NewStorageError 创建写入错误
func NewStorageError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    KindStorage,
	}
}

// NewDeleteError 创建删除错误
func NewDeleteError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    KindDelete,
	}
}

// NewEmbeddingError 创建向量化错误（视为部署配置问题，调用方不得重试）
func NewEmbeddingError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Kind:    KindEmbedding,
	}
}

// NewValidationError 创建校验错误
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationFailed,
		Message: message,
		Kind:    KindValidation,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Kind:    KindInternal,
	}
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError 获取AppError，如果不是则包装为内部错误
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("internal error").WithCause(err)
}

// IsKind 检查错误是否属于指定类别
func IsKind(err error, kind ErrorKind) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Kind == kind
}

// IsConnectionError 检查是否为连接错误
func IsConnectionError(err error) bool {
	return IsKind(err, KindConnection)
}

// IsCollectionError 检查是否为集合错误
func IsCollectionError(err error) bool {
	return IsKind(err, KindCollection)
}

// IsSearchError 检查是否为检索错误
func IsSearchError(err error) bool {
	return IsKind(err, KindSearch)
}

// IsStorageError 检查是否为写入错误
func IsStorageError(err error) bool {
	return IsKind(err, KindStorage)
}

// IsDeleteError 检查是否为删除错误
func IsDeleteError(err error) bool {
	return IsKind(err, KindDelete)
}

// IsEmbeddingError 检查是否为向量化错误
func IsEmbeddingError(err error) bool {
	return IsKind(err, KindEmbedding)
}

// IsRetryable 检查错误是否可重试
func IsRetryable(err error) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Retryable
}

// CodeOf 提取错误码，非AppError返回空串
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ""
}
