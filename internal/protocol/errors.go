// Package protocol описывает формы сообщений синхронизации чанков между клиентом и сервером.
// Транспорт вне пакета: здесь только структуры, проверки и сериализация.
package protocol

import (
	"errors"
	"fmt"

	"github.com/annel0/worldstream/internal/streaming"
)

// ErrorCode закрытый набор кодов ошибок протокола
type ErrorCode string

const (
	CodeInvalidChunk       ErrorCode = "INVALID_CHUNK"
	CodeNotSubscribed      ErrorCode = "NOT_SUBSCRIBED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeEntityNotFound     ErrorCode = "ENTITY_NOT_FOUND"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeSequenceOutOfOrder ErrorCode = "SEQUENCE_OUT_OF_ORDER"
	CodeInternal           ErrorCode = "INTERNAL"
)

var knownCodes = map[ErrorCode]struct{}{
	CodeInvalidChunk:       {},
	CodeNotSubscribed:      {},
	CodeRateLimited:        {},
	CodeEntityNotFound:     {},
	CodePermissionDenied:   {},
	CodeSequenceOutOfOrder: {},
	CodeInternal:           {},
}

// IsValid проверяет принадлежность кода закрытому набору
func (c ErrorCode) IsValid() bool {
	_, ok := knownCodes[c]
	return ok
}

// ErrValidation общий признак ошибки проверки сообщения
var ErrValidation = errors.New("protocol: validation failed")

// ValidationError описывает отклонённое поле сообщения
type ValidationError struct {
	Code   ErrorCode
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap позволяет проверять errors.Is(err, ErrValidation)
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(code ErrorCode, field, format string, args ...interface{}) error {
	return &ValidationError{Code: code, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ToErrorMessage превращает ошибку обработки в сообщение для отправки собеседнику
func ToErrorMessage(err error) ErrorMessage {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return ErrorMessage{Code: verr.Code, Message: verr.Error()}
	}
	if errors.Is(err, streaming.ErrInvalidChunkID) {
		return ErrorMessage{Code: CodeInvalidChunk, Message: err.Error()}
	}
	return ErrorMessage{Code: CodeInternal, Message: err.Error()}
}

// IsValidChunkID проверяет, что строка является канонической парой "x,z"
func IsValidChunkID(s string) bool {
	id, err := streaming.ParseChunkID(s)
	return err == nil && id.String() == s
}

// ParseChunkIDs разбирает список идентификаторов, отклоняя весь список при первой ошибке
func ParseChunkIDs(field string, raw []string) ([]streaming.ChunkID, error) {
	ids := make([]streaming.ChunkID, 0, len(raw))
	for i, s := range raw {
		if !IsValidChunkID(s) {
			return nil, invalid(CodeInvalidChunk, fmt.Sprintf("%s[%d]", field, i), "malformed chunk id %q", s)
		}
		id, _ := streaming.ParseChunkID(s)
		ids = append(ids, id)
	}
	return ids, nil
}

// FormatChunkIDs переводит идентификаторы в канонические строки
func FormatChunkIDs(ids []streaming.ChunkID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
