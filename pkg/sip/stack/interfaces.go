// Package stack связывает диалоги, транзакции и исполнитель в единый
// реестр: конкурентные индексы, входная диспетчеризация, клапаны
// сообщений, сброс нагрузки, детекция петель и аудитор утечек.
//
// Стек не владеет сетевыми соединениями. Транспортный слой снаружи
// разбирает сообщения и передает их через OnMessage вместе с каналом,
// на котором они пришли; исходящие уходят обратно через MessageChannel
// или через Sender, разрешающий следующий хоп маршрутизатором.
package stack

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/dialog"
	"github.com/arzzra/sipcore/pkg/sip/transaction"
)

// MessageChannel канал транспортного слоя, по которому пришло или
// уходит сообщение. Реализация владеет соединением; стек держит
// только ссылку на время жизни транзакции.
type MessageChannel interface {
	Send(msg sip.Message) error
	// LocalAddr и RemoteAddr в форме host:port, для событий IOException.
	LocalAddr() string
	RemoteAddr() string
	// Transport имя транспорта: UDP, TCP, TLS, WS, WSS.
	Transport() string
	IsReliable() bool
}

// Hop следующий хоп для исходящего запроса.
type Hop struct {
	Host      string
	Port      int
	Transport string
}

// Router разрешает следующий хоп для запроса вне диалога и для
// in-dialog запросов без маршрутного набора.
type Router interface {
	NextHop(req *sip.Request) (Hop, error)
}

// MessageValve фильтр входящих запросов. Вызывается до создания
// серверной транзакции; false означает вето, запрос отбрасывается.
type MessageValve interface {
	ProcessRequest(req *sip.Request, ch MessageChannel) bool
}

// EventListener получает события жизненного цикла и обычную доставку
// сообщений. Каждое событие жизненного цикла доставляется не более
// одного раза на диалог или транзакцию; стек никогда не вызывает
// слушателя под своими блокировками.
type EventListener interface {
	// OnRequest входящий запрос, прошедший клапаны и сопоставление.
	// Ретрансмиссии, поглощенные существующей транзакцией, слушателю
	// не доставляются. Для ACK на 2xx tx равен nil: у такого ACK нет
	// своей транзакции, он сопоставлен диалогом и клапаны не проходит.
	OnRequest(req *sip.Request, tx transaction.Transaction, ch MessageChannel)
	// OnResponse входящий ответ после обновления диалога.
	OnResponse(res *sip.Response, tx transaction.Transaction)
	// OnDialogTerminated первый и единственный сигнал о завершении.
	OnDialogTerminated(key core.DialogKey)
	// OnTransactionTerminated автомат транзакции достиг Terminated.
	OnTransactionTerminated(branch string, method sip.RequestMethod, role transaction.Role)
	// OnIOException сбой транспорта при отправке.
	OnIOException(err *core.TransportError)
	// OnDialogError таймауты диалога; завершать или нет, решает
	// приложение, если конфигурация не решила за него.
	OnDialogError(key core.DialogKey, code dialog.ErrorCode)
}
