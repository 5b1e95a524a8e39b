package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorCode is a numeric error identifier: category in the high 16 bits,
// error number in the low 16 bits.
type ErrorCode uint32

const categoryMask ErrorCode = 0xFFFF0000

const (
	CategoryValidation      ErrorCode = 0x0001 << 16
	CategoryCapacity        ErrorCode = 0x0002 << 16
	CategorySession         ErrorCode = 0x0003 << 16
	CategoryBrokerRejection ErrorCode = 0x0004 << 16
	CategoryConnectivity    ErrorCode = 0x0005 << 16
	CategoryPersistence     ErrorCode = 0x0006 << 16
	CategoryInternal        ErrorCode = 0x0007 << 16
)

const (
	ErrCodeInvalidVolume     = CategoryValidation | 0x01
	ErrCodeInvalidPrice      = CategoryValidation | 0x02
	ErrCodeUnknownInstrument = CategoryValidation | 0x03
	ErrCodeUnknownAccount    = CategoryValidation | 0x04
	ErrCodeUnknownOrder      = CategoryValidation | 0x05
	ErrCodeInvalidOrder      = CategoryValidation | 0x06
	ErrCodeInvalidAmount     = CategoryValidation | 0x07

	ErrCodeInsufficientFunds    = CategoryCapacity | 0x01
	ErrCodeInsufficientPosition = CategoryCapacity | 0x02

	ErrCodeSessionNotReady     = CategorySession | 0x01
	ErrCodeSessionNotConnected = CategorySession | 0x02
	ErrCodeUnknownProvider     = CategorySession | 0x03

	ErrCodeBrokerRejected = CategoryBrokerRejection | 0x01

	ErrCodeDisconnected = CategoryConnectivity | 0x01
	ErrCodeSyncFailed   = CategoryConnectivity | 0x02

	ErrCodeSaveFailed = CategoryPersistence | 0x01
	ErrCodeLoadFailed = CategoryPersistence | 0x02
	ErrCodeNotFound   = CategoryPersistence | 0x03

	ErrCodeInvalidTransition = CategoryInternal | 0x01
	ErrCodeDuplicateRef      = CategoryInternal | 0x02
	ErrCodeInvariant         = CategoryInternal | 0x03
)

// Category returns the category bits of the code.
func (c ErrorCode) Category() ErrorCode {
	return c & categoryMask
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("0x%08X", uint32(c))
}

// TradeError is the error type of every domain failure.
type TradeError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *TradeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

// Is matches any TradeError carrying the same code.
func (e *TradeError) Is(target error) bool {
	var te *TradeError
	if !errors.As(target, &te) {
		return false
	}
	return te.Code == e.Code
}

// IsRetriable reports connectivity and persistence failures as retriable.
func (e *TradeError) IsRetriable() bool {
	switch e.Code.Category() {
	case CategoryConnectivity, CategoryPersistence:
		return true
	default:
		return false
	}
}

// NewTradeError builds a TradeError.
func NewTradeError(code ErrorCode, msg string, err error) *TradeError {
	return &TradeError{Code: code, Msg: msg, Err: err}
}

// Errorf builds a TradeError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *TradeError {
	return &TradeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of the first TradeError in the chain, 0 if none.
func CodeOf(err error) ErrorCode {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// CategoryOf extracts the category of the first TradeError in the chain.
func CategoryOf(err error) ErrorCode {
	return CodeOf(err).Category()
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	ErrInvalidVolume        = &TradeError{Code: ErrCodeInvalidVolume, Msg: "invalid volume"}
	ErrInvalidPrice         = &TradeError{Code: ErrCodeInvalidPrice, Msg: "invalid price"}
	ErrUnknownInstrument    = &TradeError{Code: ErrCodeUnknownInstrument, Msg: "unknown instrument"}
	ErrUnknownAccount       = &TradeError{Code: ErrCodeUnknownAccount, Msg: "unknown account"}
	ErrUnknownOrder         = &TradeError{Code: ErrCodeUnknownOrder, Msg: "unknown order"}
	ErrInsufficientFunds    = &TradeError{Code: ErrCodeInsufficientFunds, Msg: "insufficient available funds"}
	ErrInsufficientPosition = &TradeError{Code: ErrCodeInsufficientPosition, Msg: "insufficient position"}
	ErrSessionNotReady      = &TradeError{Code: ErrCodeSessionNotReady, Msg: "session not ready"}
	ErrInvalidTransition    = &TradeError{Code: ErrCodeInvalidTransition, Msg: "invalid order state transition"}
	ErrDuplicateRef         = &TradeError{Code: ErrCodeDuplicateRef, Msg: "duplicate reference"}
	ErrNotFound             = &TradeError{Code: ErrCodeNotFound, Msg: "entity not found"}
)
