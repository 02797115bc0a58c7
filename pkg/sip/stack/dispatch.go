package stack

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/dialog"
	"github.com/arzzra/sipcore/pkg/sip/transaction"
)

// OnMessage точка входа транспортного слоя: разобранное сообщение и
// канал, на котором оно пришло. Переходы состояний выполняются на
// потоке вызывающего; индексы терпят конкурентное чтение.
func (s *Stack) OnMessage(msg sip.Message, ch MessageChannel) {
	if s.closed.Load() {
		return
	}
	switch m := msg.(type) {
	case *sip.Request:
		s.onRequest(m, ch)
	case *sip.Response:
		s.onResponse(m, ch)
	}
}

func (s *Stack) onRequest(req *sip.Request, ch MessageChannel) {
	switch {
	case core.MethodEquals(req.Method, sip.ACK):
		s.onAck(req, ch)
		return
	case core.MethodEquals(req.Method, sip.CANCEL):
		s.onCancel(req, ch)
		return
	}

	// Петля по RFC 3261 Section 8.2.2.2: тот же запрос пришел другим
	// путем, отвечаем 482 без создания транзакции.
	if s.FindMergedTransaction(req) {
		s.metrics.mergedLoops.Inc()
		s.log.Warn().Str("call_id", headerValue(req.CallID())).Msg("merged request loop detected")
		res := sip.NewResponseFromRequest(req, 482, "Merged Request", nil)
		if err := ch.Send(res); err != nil {
			s.listener.OnIOException(channelError(err, ch))
		}
		return
	}

	// In-dialog запрос валидируется диалогом до создания транзакции:
	// убывающий CSeq отбрасывается молча.
	if key, err := core.DialogKeyFromMessage(req, true); err == nil && key.IsComplete() {
		if d, ok := s.FindDialog(key); ok {
			if !d.HandleRequest(req) {
				s.metrics.droppedNoMatch.Inc()
				return
			}
		}
	}

	tx := s.NewServerRequest(req, ch)
	if tx == nil {
		return
	}
	s.listener.OnRequest(req, tx, ch)
}

// onAck сопоставляет ACK. ACK на не-2xx несет branch исходного INVITE
// и поглощается транзакцией; ACK на 2xx несет новый branch и
// сопоставляется диалогом, в том числе в окне linger.
func (s *Stack) onAck(ack *sip.Request, ch MessageChannel) {
	id := core.TransactionID(ack)
	if tx, ok := s.serverTxs.Get(id); ok {
		if sit, ok := tx.(*transaction.ServerInvite); ok && sit.HandleAck(ack) {
			return
		}
	}
	if sit, ok := s.terminatedPendingAck.Get(id); ok && sit.HandleAck(ack) {
		return
	}

	key, err := core.DialogKeyFromMessage(ack, true)
	if err != nil {
		s.metrics.droppedNoMatch.Inc()
		return
	}
	d, ok := s.FindDialog(key)
	if !ok {
		s.metrics.droppedNoMatch.Inc()
		s.log.Debug().Str("call_id", key.CallID).Msg("ACK without matching dialog")
		return
	}
	if !d.HandleAck(ack) {
		return
	}
	s.listener.OnRequest(ack, nil, ch)
}

func (s *Stack) onCancel(cancel *sip.Request, ch MessageChannel) {
	if _, ok := s.FindCancelledInvite(cancel); !ok {
		// CANCEL без соответствующей транзакции: 481 по
		// RFC 3261 Section 9.2.
		res := sip.NewResponseFromRequest(cancel, 481, "Call/Transaction Does Not Exist", nil)
		if err := ch.Send(res); err != nil {
			s.listener.OnIOException(channelError(err, ch))
		}
		return
	}
	tx := s.NewServerRequest(cancel, ch)
	if tx == nil {
		return
	}
	s.listener.OnRequest(cancel, tx, ch)
}

func (s *Stack) onResponse(res *sip.Response, ch MessageChannel) {
	tx := s.NewServerResponse(res, ch)

	d := s.dialogForResponse(res, tx)
	if d == nil {
		if tx == nil {
			s.metrics.droppedNoMatch.Inc()
			s.log.Debug().Int("status", res.StatusCode).Msg("response without transaction or dialog")
			return
		}
		s.listener.OnResponse(res, tx)
		return
	}

	// Повтор через форк-путь: состояние не трогаем, но ретрансмиссия
	// 2xx на INVITE требует повторного ACK (RFC 3261 Section 13.2.2.4).
	if d.CheckRetransmissionForForking(res) {
		if res.StatusCode >= 200 && res.StatusCode < 300 && responseMethod(res) == sip.INVITE {
			if err := d.ResendAck(); err != nil {
				s.log.Debug().Err(err).Msg("late ACK resend failed")
			}
		}
		return
	}

	txMethod := responseMethod(res)
	if tx != nil {
		txMethod = tx.Method()
	}
	oldKey, keyChanged := d.SetLastResponse(txMethod, res)
	if keyChanged {
		s.reindexDialog(d, oldKey)
	} else if d.Key().IsComplete() {
		s.PutDialog(d)
	}
	if ci, ok := tx.(*transaction.ClientInvite); ok && d.RemoteTag() != "" {
		ci.AssociateDialog(d.RemoteTag(), d.Key())
	}
	s.listener.OnResponse(res, tx)
}

// dialogForResponse находит диалог ответа. Ответ с новым to-тегом на
// форкнутый INVITE порождает вторичный диалог, первичный остается
// нетронутым.
func (s *Stack) dialogForResponse(res *sip.Response, tx transaction.Transaction) *dialog.Dialog {
	key, err := core.DialogKeyFromMessage(res, false)
	if err != nil {
		return nil
	}
	if d, ok := s.dialogs.Get(key.String()); ok {
		return d
	}
	d, ok := s.earlyDialogs.Get(key.EarlyKey().String())
	if !ok {
		return nil
	}

	ci, isInvite := tx.(*transaction.ClientInvite)
	if isInvite && key.RemoteTag != "" && d.RemoteTag() != "" &&
		!strings.EqualFold(d.RemoteTag(), key.RemoteTag) {
		if _, known := ci.DialogForTag(key.RemoteTag); !known {
			return s.createForkDialog(ci, d, res)
		}
	}
	return d
}

// createForkDialog строит вторичный диалог для нового to-тега того же
// INVITE (RFC 3261 Section 12.1: каждый форк дает отдельный диалог).
func (s *Stack) createForkDialog(tx *transaction.ClientInvite, primary *dialog.Dialog, res *sip.Response) *dialog.Dialog {
	contact := tx.OriginalContact()
	if contact == nil {
		s.log.Warn().Str("call_id", primary.CallID()).Msg("forked response on INVITE without Contact")
		return primary
	}
	d, err := dialog.NewUAC(tx.Request(), contact.Address, s.cfg.dialogSettings(), s, s.sched, s.exec, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("secondary dialog creation failed")
		return primary
	}
	d.MarkForkedFrom(primary.Key())
	s.attachDialog(d)
	s.metrics.forkedDialogs.Inc()
	s.log.Info().Str("call_id", d.CallID()).Msg("secondary dialog created for forked response")
	return d
}

func responseMethod(res *sip.Response) sip.RequestMethod {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName
	}
	return ""
}
