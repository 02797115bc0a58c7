// Package core содержит идентификаторную алгебру SIP ядра:
// ключи диалогов, транзакций и merge-ключи для обнаружения петель,
// а также общую таксономию ошибок.
//
// Все функции пакета чистые: они вычисляют ключи из уже разобранного
// сообщения и не изменяют ни сообщение, ни глобальное состояние.
package core

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// DialogKey идентифицирует диалог согласно RFC 3261 Section 12:
// Call-ID + локальный тег + удаленный тег.
//
// Ориентация тегов зависит от роли UA:
//   - UAS: local = To tag, remote = From tag
//   - UAC: local = From tag, remote = To tag
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String возвращает каноническую строковую форму ключа.
// Форма приведена к нижнему регистру целиком (включая Call-ID),
// как делает эталонная реализация: теги сравниваются без учета
// регистра, а единое приведение упрощает индекс.
// Отсутствующий тег опускается вместе с разделителем.
func (k DialogKey) String() string {
	var b strings.Builder
	b.WriteString(k.CallID)
	if k.LocalTag != "" {
		b.WriteByte(':')
		b.WriteString(k.LocalTag)
	}
	if k.RemoteTag != "" {
		b.WriteByte(':')
		b.WriteString(k.RemoteTag)
	}
	return strings.ToLower(b.String())
}

// IsComplete сообщает, известны ли оба тега.
func (k DialogKey) IsComplete() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

// EarlyKey возвращает ключ раннего диалога: тот же ключ без
// удаленного тега. Используется для индексации диалога до того,
// как первый ответ с to-tag зафиксирует удаленную сторону.
func (k DialogKey) EarlyKey() DialogKey {
	return DialogKey{CallID: k.CallID, LocalTag: k.LocalTag}
}

// DialogKeyFromMessage вычисляет ключ диалога из сообщения с учетом роли.
//
// Возвращает ошибку только если отсутствует Call-ID: отсутствие тегов
// допустимо (начальный запрос, ответ 100).
func DialogKeyFromMessage(msg sip.Message, asServer bool) (DialogKey, error) {
	callID := msg.CallID()
	if callID == nil || callID.Value() == "" {
		return DialogKey{}, &ProtocolError{Reason: "missing Call-ID header"}
	}

	var fromTag, toTag string
	if from := msg.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	if to := msg.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}

	if asServer {
		return DialogKey{CallID: callID.Value(), LocalTag: toTag, RemoteTag: fromTag}, nil
	}
	return DialogKey{CallID: callID.Value(), LocalTag: fromTag, RemoteTag: toTag}, nil
}

// MergeKey идентифицирует запрос для обнаружения петель согласно
// RFC 3261 Section 8.2.2.2: Call-ID + from-tag + номер CSeq.
// Два запроса с одинаковым merge-ключом, пришедшие разными путями,
// считаются merged и второй отклоняется с 482 Loop Detected.
type MergeKey struct {
	CallID  string
	FromTag string
	CSeq    uint32
}

func (k MergeKey) String() string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%d", k.CallID, k.FromTag, k.CSeq))
}

// MergeKeyFromRequest вычисляет merge-ключ запроса.
func MergeKeyFromRequest(req *sip.Request) (MergeKey, error) {
	callID := req.CallID()
	if callID == nil {
		return MergeKey{}, &ProtocolError{Reason: "missing Call-ID header"}
	}
	from := req.From()
	if from == nil {
		return MergeKey{}, &ProtocolError{Reason: "missing From header"}
	}
	cseq := req.CSeq()
	if cseq == nil {
		return MergeKey{}, &ProtocolError{Reason: "missing CSeq header"}
	}
	fromTag, _ := from.Params.Get("tag")
	return MergeKey{CallID: callID.Value(), FromTag: fromTag, CSeq: cseq.SeqNo}, nil
}

// BranchID возвращает значение параметра branch верхнего Via.
// Пустая строка означает отсутствие Via или параметра.
func BranchID(msg sip.Message) string {
	via := msg.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}

// TransactionID вычисляет ключ транзакции для сообщения.
//
// RFC 3261 Section 17.2.3: если branch начинается с magic cookie
// z9hG4bK, он сам является ключом (сравнение без учета регистра).
// Иначе действует совместимость с RFC 2543: ключ строится как хэш
// от Call-ID, тегов From/To, CSeq и верхнего Via.
func TransactionID(msg sip.Message) string {
	branch := BranchID(msg)
	if HasMagicCookie(branch) {
		return strings.ToLower(branch)
	}
	return rfc2543TransactionID(msg)
}

// HasMagicCookie проверяет префикс z9hG4bK без учета регистра.
func HasMagicCookie(branch string) bool {
	if len(branch) < len(sip.RFC3261BranchMagicCookie) {
		return false
	}
	return strings.EqualFold(branch[:len(sip.RFC3261BranchMagicCookie)], sip.RFC3261BranchMagicCookie)
}

// rfc2543TransactionID строит ключ для сообщений от стеков,
// не поддерживающих RFC 3261. Компоненты объединяются и хэшируются
// FNV-1a: коллизии на практике не встречаются, а ключ остается
// коротким для карты.
func rfc2543TransactionID(msg sip.Message) string {
	h := fnv.New64a()

	if callID := msg.CallID(); callID != nil {
		h.Write([]byte(callID.Value()))
	}
	h.Write([]byte{'|'})
	if from := msg.From(); from != nil {
		tag, _ := from.Params.Get("tag")
		h.Write([]byte(strings.ToLower(tag)))
	}
	h.Write([]byte{'|'})
	if to := msg.To(); to != nil {
		tag, _ := to.Params.Get("tag")
		h.Write([]byte(strings.ToLower(tag)))
	}
	h.Write([]byte{'|'})
	if cseq := msg.CSeq(); cseq != nil {
		fmt.Fprintf(h, "%d %s", cseq.SeqNo, strings.ToUpper(string(cseq.MethodName)))
	}
	h.Write([]byte{'|'})
	if via := msg.Via(); via != nil {
		fmt.Fprintf(h, "%s:%d", strings.ToLower(via.Host), via.Port)
	}

	return fmt.Sprintf("2543-%016x", h.Sum64())
}

// IsTargetRefresh сообщает, может ли метод обновлять remote target
// диалога (RFC 3261 Section 12.2, RFC 3311, RFC 3265).
func IsTargetRefresh(method sip.RequestMethod) bool {
	switch method {
	case sip.INVITE, sip.UPDATE, sip.SUBSCRIBE, sip.NOTIFY:
		return true
	default:
		return false
	}
}

// IsDialogCreating сообщает, создает ли метод диалог.
func IsDialogCreating(method sip.RequestMethod) bool {
	switch method {
	case sip.INVITE, sip.SUBSCRIBE, sip.REFER:
		return true
	default:
		return false
	}
}

// MethodEquals сравнивает методы без учета регистра токенов.
func MethodEquals(a, b sip.RequestMethod) bool {
	return strings.EqualFold(string(a), string(b))
}
