package transaction

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/executor"
)

// ClientInvite клиентская INVITE транзакция (RFC 3261 Section 17.1.1).
//
// Автомат не строит ACK на 2xx: по 13.2.2.4 это обязанность диалога.
// ACK на 3xx-6xx отправляется самим автоматом в той же транзакции.
type ClientInvite struct {
	*baseTx

	retransmitCount   int
	currentRetransmit time.Duration

	// Форкинг: один INVITE может породить несколько диалогов,
	// по одному на каждый remote tag. Автомат помнит основной
	// диалог и отображение remote tag -> ключ диалога.
	forkMu        sync.RWMutex
	defaultDialog core.DialogKey
	forkDialogs   map[string]core.DialogKey
}

// NewClientInvite создает транзакцию. Запрос не отправляется до Start.
func NewClientInvite(req *sip.Request, tp Transport, timers TimerSet, sched *executor.Scheduler, log zerolog.Logger) *ClientInvite {
	t := &ClientInvite{
		baseTx:      newBaseTx(RoleClient, req, tp, timers, sched, log, StateCalling),
		forkDialogs: make(map[string]core.DialogKey),
	}
	t.currentRetransmit = t.timers.A
	t.self = t
	return t
}

// Start отправляет INVITE и взводит таймеры A и B.
func (t *ClientInvite) Start() error {
	if err := t.send(t.request); err != nil {
		t.Terminate()
		return err
	}
	if !t.reliable {
		t.startTimer("A", t.currentRetransmit, t.handleTimerA)
	}
	t.startTimer("B", t.timers.B, t.handleTimerB)
	return nil
}

func (t *ClientInvite) handleTimerA() {
	if t.State() != StateCalling {
		return
	}
	if err := t.send(t.request); err != nil {
		t.Terminate()
		return
	}
	t.retransmitCount++
	t.currentRetransmit = NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	t.startTimer("A", t.currentRetransmit, t.handleTimerA)
}

func (t *ClientInvite) handleTimerB() {
	state := t.State()
	if state == StateCalling || state == StateProceeding {
		t.notifyTimeout("B")
		t.Terminate()
	}
}

// HandleResponse прогоняет ответ через автомат. Возвращает true,
// если ответ новый и должен быть доставлен диалогу; false для
// ретрансмиссий и ответов в Terminated.
func (t *ClientInvite) HandleResponse(res *sip.Response) bool {
	code := res.StatusCode
	switch t.State() {
	case StateCalling, StateProceeding:
		t.setLastResponse(res)
		switch {
		case code < 200:
			t.stopTimer("A")
			t.changeState(StateProceeding)
			return true
		case code < 300:
			// 2xx терминирует автомат немедленно: ретрансмиссии 2xx
			// гасятся диалогом, ACK строит диалог.
			t.Terminate()
			return true
		default:
			t.stopTimer("A")
			t.stopTimer("B")
			t.changeState(StateCompleted)
			if err := t.sendAckForNon2xx(res); err != nil {
				t.log.Warn().Err(err).Msg("failed to send non-2xx ACK")
			}
			if t.timers.D > 0 {
				t.startTimer("D", t.timers.D, t.Terminate)
			} else {
				t.Terminate()
			}
			return true
		}
	case StateCompleted:
		// Ретрансмиссия финального ответа: повторяем ACK, наверх
		// не доставляем.
		if code >= 300 {
			if err := t.sendAckForNon2xx(res); err != nil {
				t.log.Warn().Err(err).Msg("failed to retransmit non-2xx ACK")
			}
		}
		return false
	default:
		return false
	}
}

// sendAckForNon2xx строит ACK по RFC 3261 Section 17.1.1.3: тот же
// branch и Via, что у INVITE, To из ответа (с тегом).
func (t *ClientInvite) sendAckForNon2xx(res *sip.Response) error {
	ack := sip.NewRequest(sip.ACK, t.request.Recipient)
	ack.SipVersion = t.request.SipVersion

	if via := t.request.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", t.request, ack)
	if from := t.request.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if callID := t.request.CallID(); callID != nil {
		ack.AppendHeader(sip.HeaderClone(callID))
	}
	if cseq := t.request.CSeq(); cseq != nil {
		ackCSeq := sip.HeaderClone(cseq).(*sip.CSeqHeader)
		ackCSeq.MethodName = sip.ACK
		ack.AppendHeader(ackCSeq)
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)

	return t.send(ack)
}

// OriginalContact возвращает Contact исходного INVITE. Нужен реестру
// для построения вторичного диалога при форкинге.
func (t *ClientInvite) OriginalContact() *sip.ContactHeader {
	return t.request.Contact()
}

// OriginalFromTag возвращает from-tag исходного запроса.
func (t *ClientInvite) OriginalFromTag() string {
	if from := t.request.From(); from != nil {
		tag, _ := from.Params.Get("tag")
		return tag
	}
	return ""
}

// ForkID идентификатор форк-группы: все диалоги одного INVITE
// разделяют Call-ID и from-tag.
func (t *ClientInvite) ForkID() string {
	callID := ""
	if h := t.request.CallID(); h != nil {
		callID = h.Value()
	}
	return callID + ":" + t.OriginalFromTag()
}

// AssociateDialog связывает remote tag с диалогом. Первый remote tag
// фиксирует основной диалог.
func (t *ClientInvite) AssociateDialog(remoteTag string, key core.DialogKey) {
	t.forkMu.Lock()
	defer t.forkMu.Unlock()
	if len(t.forkDialogs) == 0 {
		t.defaultDialog = key
	}
	t.forkDialogs[remoteTag] = key
}

// DefaultDialog возвращает основной диалог транзакции.
func (t *ClientInvite) DefaultDialog() (core.DialogKey, bool) {
	t.forkMu.RLock()
	defer t.forkMu.RUnlock()
	return t.defaultDialog, len(t.forkDialogs) > 0
}

// DialogForTag возвращает диалог для remote tag.
func (t *ClientInvite) DialogForTag(remoteTag string) (core.DialogKey, bool) {
	t.forkMu.RLock()
	defer t.forkMu.RUnlock()
	key, ok := t.forkDialogs[remoteTag]
	return key, ok
}
