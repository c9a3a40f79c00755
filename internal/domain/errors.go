package domain

import (
	"errors"
	"fmt"
)

// Kind — класс ошибки. Значения уходят клиенту в поле error_kind.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFoundError"
	KindInactiveAgent       Kind = "InactiveAgentError"
	KindDuplicate           Kind = "DuplicateError"
	KindAuthorization       Kind = "AuthorizationError"
	KindServiceMismatch     Kind = "ServiceMismatchError"
	KindSettlementTransient Kind = "SettlementTransientError"
	KindSettlementFatal     Kind = "SettlementFatalError"
	KindInternal            Kind = "InternalError"
)

// Error — единый тип доменной ошибки.
// errors.Is сравнивает только Kind, поэтому errors.Is(err, ErrNotFound) работает
// для любого сообщения.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Сентинелы для errors.Is
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInactiveAgent       = &Error{Kind: KindInactiveAgent}
	ErrDuplicate           = &Error{Kind: KindDuplicate}
	ErrAuthorization       = &Error{Kind: KindAuthorization}
	ErrServiceMismatch     = &Error{Kind: KindServiceMismatch}
	ErrSettlementTransient = &Error{Kind: KindSettlementTransient}
	ErrSettlementFatal     = &Error{Kind: KindSettlementFatal}
)

// Ошибки хранилища, наружу не отдаются.
var (
	ErrVersionConflict = errors.New("record was modified concurrently")
	ErrAlreadyFinal    = errors.New("transaction already reached a terminal state")
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func InactiveAgentf(format string, args ...any) *Error {
	return newError(KindInactiveAgent, format, args...)
}

func Duplicatef(format string, args ...any) *Error {
	return newError(KindDuplicate, format, args...)
}

func Authorizationf(format string, args ...any) *Error {
	return newError(KindAuthorization, format, args...)
}

func ServiceMismatchf(format string, args ...any) *Error {
	return newError(KindServiceMismatch, format, args...)
}

// SettlementError заворачивает ошибку рельса, сохраняя причину для errors.As.
func SettlementError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: "settlement failed", Err: cause}
}

// KindOf возвращает класс ошибки; всё неизвестное считается internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message возвращает текст, безопасный для клиента.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
