// Package apperr turns internal errors into messages that can be shown to
// the user as-is.
package apperr

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrOffline    = errors.New("network unavailable")
)

const (
	MsgNetwork    = "네트워크 연결을 확인해주세요."
	MsgTimeout    = "요청 시간이 초과되었습니다. 다시 시도해주세요."
	MsgNotFound   = "요청한 데이터를 찾을 수 없습니다."
	MsgValidation = "입력값을 확인해주세요."
	MsgCanceled   = "요청이 취소되었습니다."
	MsgUnknown    = "알 수 없는 오류가 발생했습니다."
)

// Kind is a coarse classification of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindNotFound
	KindValidation
	KindCanceled
)

func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrOffline):
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return KindNetwork
	}
	return KindUnknown
}

// Classify returns a user-displayable message for err.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindNetwork:
		return MsgNetwork
	case KindTimeout:
		return MsgTimeout
	case KindNotFound:
		return MsgNotFound
	case KindValidation:
		return MsgValidation
	case KindCanceled:
		return MsgCanceled
	default:
		return MsgUnknown
	}
}
