package core

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра.
//
// Ошибки валидации (ошибка вызывающего) возвращаются синхронно и не
// изменяют состояние. Протокольные ошибки (ошибка пира) логируются,
// сообщение отбрасывается, диалог продолжает жить. Транспортные ошибки
// конвертируются в события IOException и никогда не пробрасываются
// через границу экзекьютора.

// ErrSequence сигнализирует о нарушении порядка операций:
// неверное состояние диалога для запрошенной операции.
var ErrSequence = errors.New("invalid dialog state for operation")

// ErrCSeqExhausted возвращается когда локальный CSeq достиг 2^32-1
// и новый запрос создать нельзя.
var ErrCSeqExhausted = errors.New("local CSeq number exhausted")

// ErrUnknownTransport возвращается когда для запрошенного транспорта
// нет слушающей точки.
var ErrUnknownTransport = errors.New("no listening point for transport")

// DialogStateError ошибка валидации: операция не разрешена в текущем
// состоянии диалога.
type DialogStateError struct {
	Op    string
	State string
}

func (e *DialogStateError) Error() string {
	return fmt.Sprintf("%s not allowed in dialog state %s", e.Op, e.State)
}

func (e *DialogStateError) Unwrap() error { return ErrSequence }

// ProtocolError ошибка пира: сообщение нарушает протокол и будет
// отброшено без изменения состояния диалога.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// TransportReason причина транспортной ошибки в событии IOException.
type TransportReason int

const (
	TransportConnectionError TransportReason = iota
	TransportKeepAliveTimeout
	TransportSendFailure
)

func (r TransportReason) String() string {
	switch r {
	case TransportConnectionError:
		return "ConnectionError"
	case TransportKeepAliveTimeout:
		return "KeepAliveTimeout"
	case TransportSendFailure:
		return "SendFailure"
	default:
		return "Unknown"
	}
}

// TransportError описывает сбой отправки. Поднимается к приложению
// как событие IOException; состояние диалога при этом не меняется.
type TransportError struct {
	Reason     TransportReason
	LocalAddr  string
	RemoteAddr string
	Transport  string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failure (%s) %s -> %s: %v",
		e.Transport, e.Reason, e.LocalAddr, e.RemoteAddr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
