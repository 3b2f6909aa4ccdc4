package xa

import (
	"errors"
	"fmt"
)

// Error 携带结果码的错误
type Error struct {
	Code Code
	Op   string
	Err  error
}

func NewError(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

func Errorf(code Code, op string, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 结果码相同即视为同一类错误
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf 从错误中提取结果码. nil 对应 OK, 未携带结果码的错误视为 RMError
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RMError
}

// AsError 把结果码转换为错误, ok/read-only 返回 nil
func AsError(code Code, op string) error {
	if code.Vote() {
		return nil
	}
	return NewError(code, op)
}
