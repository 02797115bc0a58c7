package core

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Компактные сводки сообщений. Диалог хранит их вместо полных
// объектов запроса/ответа: сводки достаточно для построения
// in-dialog запросов и ACK, а полные сообщения можно освободить
// при агрессивной очистке.

// RequestSummary сводка запроса, создавшего диалог или транзакцию.
// Живет дольше самой транзакции.
type RequestSummary struct {
	Method    sip.RequestMethod
	Branch    string
	CSeq      uint32
	IsSecure  bool
	LocalPort int
	MergeID   string
}

// SummarizeRequest строит сводку из разобранного запроса.
// MergeID заполняется для запросов с Call-ID, From и CSeq; у запроса
// без From-тега компонент тега в merge-ключе остается пустым.
func SummarizeRequest(req *sip.Request) RequestSummary {
	s := RequestSummary{
		Method:   req.Method,
		Branch:   BranchID(req),
		IsSecure: strings.EqualFold(req.Transport(), "TLS") || strings.EqualFold(req.Transport(), "WSS"),
	}
	if cseq := req.CSeq(); cseq != nil {
		s.CSeq = cseq.SeqNo
	}
	if via := req.Via(); via != nil {
		s.LocalPort = via.Port
	}
	if mk, err := MergeKeyFromRequest(req); err == nil {
		s.MergeID = mk.String()
	}
	return s
}

// ResponseSummary сводка последнего ответа диалога: всё, что нужно
// для ACK и повторной отправки, без удержания тела и полного
// набора заголовков.
type ResponseSummary struct {
	StatusCode int
	Method     sip.RequestMethod
	CSeq       uint32
	FromTag    string
	ToTag      string
	// TopVia верхний Via ответа в сериализованном виде.
	// ACK на не-2xx обязан нести тот же Via, что и исходный INVITE.
	TopVia string
}

// SummarizeResponse строит сводку из разобранного ответа.
func SummarizeResponse(res *sip.Response) ResponseSummary {
	s := ResponseSummary{StatusCode: res.StatusCode}
	if cseq := res.CSeq(); cseq != nil {
		s.Method = cseq.MethodName
		s.CSeq = cseq.SeqNo
	}
	if from := res.From(); from != nil {
		s.FromTag, _ = from.Params.Get("tag")
	}
	if to := res.To(); to != nil {
		s.ToTag, _ = to.Params.Get("tag")
	}
	if via := res.Via(); via != nil {
		s.TopVia = via.Value()
	}
	return s
}

// IsFinal сообщает, является ли ответ финальным (>= 200).
func (s ResponseSummary) IsFinal() bool { return s.StatusCode >= 200 }

// IsProvisional сообщает, является ли ответ предварительным (1xx,
// кроме 100, который не влияет на состояние диалога).
func (s ResponseSummary) IsProvisional() bool {
	return s.StatusCode >= 101 && s.StatusCode < 200
}

// IsSuccess сообщает об успешном финальном ответе (2xx).
func (s ResponseSummary) IsSuccess() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}
