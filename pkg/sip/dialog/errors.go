package dialog

import "errors"

// ErrorCode причина события DialogError, доставляемого верхнему слою.
// Таймауты не фатальны для диалога: решение о завершении принимает
// приложение, кроме случаев, оговоренных конфигурацией.
type ErrorCode int

const (
	// ErrorEarlyStateTimeout диалог находился в EARLY дольше
	// EarlyDialogTimeout.
	ErrorEarlyStateTimeout ErrorCode = iota + 1
	// ErrorAckNotSent UAC не отправил ACK за DialogTimeoutFactor * T1
	// после финального 2xx.
	ErrorAckNotSent
	// ErrorAckNotReceived UAS не получил ACK за DialogTimeoutFactor * T1
	// после отправки финального 2xx.
	ErrorAckNotReceived
	// ErrorReInviteTimeout re-INVITE не завершился вовремя.
	ErrorReInviteTimeout
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorEarlyStateTimeout:
		return "EARLY_STATE_TIMEOUT"
	case ErrorAckNotSent:
		return "ACK_NOT_SENT_TIMEOUT"
	case ErrorAckNotReceived:
		return "ACK_NOT_RECEIVED_TIMEOUT"
	case ErrorReInviteTimeout:
		return "DIALOG_REINVITE_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrByeAlreadySent после отправки BYE новые запросы кроме BYE
	// запрещены (RFC 3261 Section 15.1).
	ErrByeAlreadySent = errors.New("BYE already sent on dialog")
	// ErrForbiddenMethod метод нельзя создавать через CreateRequest:
	// ACK, CANCEL и PRACK строятся специализированными операциями.
	ErrForbiddenMethod = errors.New("method must be created via dedicated operation")
	// ErrNo2xxForAck CreateAck вызван до получения 2xx с подходящим CSeq.
	ErrNo2xxForAck = errors.New("no 2xx response seen for requested CSeq")
	// ErrReliablePending уже есть неподтвержденный надежный 1xx
	// (RFC 3262 Section 3: по одному на диалог).
	ErrReliablePending = errors.New("reliable provisional response already pending")
	// ErrNotServerDialog операция допустима только на серверной стороне.
	ErrNotServerDialog = errors.New("operation requires server side of dialog")
	// ErrRelNotSupported исходный запрос не содержит Supported/Require
	// с опцией 100rel.
	ErrRelNotSupported = errors.New("peer does not support 100rel")
)
