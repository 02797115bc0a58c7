package transaction

import (
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/executor"
)

// ServerInvite серверная INVITE транзакция (RFC 3261 Section 17.2.1).
//
// Отправка 2xx терминирует автомат: ретрансмиссии 2xx и ожидание ACK
// ведет диалог. Реестр при этом оставляет транзакцию доступной в
// таблице terminated-pending-ACK до истечения Timer H, чтобы поздний
// ACK все еще находил ее.
type ServerInvite struct {
	*baseTx

	mergeID string

	respMu            sync.RWMutex
	retransmitCount   int
	currentRetransmit time.Duration

	ackSeen      bool
	sent2xx      bool
	terminatedAt time.Time
}

// NewServerInvite создает транзакцию по входящему INVITE.
func NewServerInvite(req *sip.Request, tp Transport, timers TimerSet, sched *executor.Scheduler, log zerolog.Logger) *ServerInvite {
	t := &ServerInvite{
		baseTx: newBaseTx(RoleServer, req, tp, timers, sched, log, StateProceeding),
	}
	t.currentRetransmit = t.timers.G
	if mk, err := core.MergeKeyFromRequest(req); err == nil {
		t.mergeID = mk.String()
	}
	t.self = t
	t.OnStateChange(func(_ Transaction, _, to State) {
		if to == StateTerminated {
			t.respMu.Lock()
			t.terminatedAt = time.Now()
			t.respMu.Unlock()
		}
	})
	return t
}

// MergeID ключ обнаружения петель для серверного INVITE.
func (t *ServerInvite) MergeID() string { return t.mergeID }

// Sent2xx сообщает, завершилась ли транзакция ответом 2xx.
func (t *ServerInvite) Sent2xx() bool {
	t.respMu.RLock()
	defer t.respMu.RUnlock()
	return t.sent2xx
}

// TerminatedAt время перехода в Terminated. Нулевое, пока автомат жив.
func (t *ServerInvite) TerminatedAt() time.Time {
	t.respMu.RLock()
	defer t.respMu.RUnlock()
	return t.terminatedAt
}

// SendResponse отправляет ответ через автомат.
func (t *ServerInvite) SendResponse(res *sip.Response) error {
	code := res.StatusCode
	state := t.State()
	if state != StateProceeding {
		return &core.DialogStateError{Op: "send response", State: state.String()}
	}

	if err := t.send(res); err != nil {
		return err
	}
	t.setLastResponse(res)

	switch {
	case code < 200:
		return nil
	case code < 300:
		t.respMu.Lock()
		t.sent2xx = true
		t.respMu.Unlock()
		t.Terminate()
		return nil
	default:
		t.changeState(StateCompleted)
		if !t.reliable && t.timers.G > 0 {
			t.startTimer("G", t.currentRetransmit, t.handleTimerG)
		}
		t.startTimer("H", t.timers.H, t.handleTimerH)
		return nil
	}
}

func (t *ServerInvite) handleTimerG() {
	if t.State() != StateCompleted {
		return
	}
	if last := t.LastResponse(); last != nil {
		if err := t.send(last); err != nil {
			t.Terminate()
			return
		}
		t.respMu.Lock()
		t.retransmitCount++
		t.respMu.Unlock()
	}
	t.currentRetransmit = NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	t.startTimer("G", t.currentRetransmit, t.handleTimerG)
}

func (t *ServerInvite) handleTimerH() {
	if t.State() == StateCompleted {
		t.notifyTimeout("H")
		t.Terminate()
	}
}

// HandleRequest обрабатывает ретрансмиссию INVITE: повторяет последний
// отправленный ответ. Возвращает false: наверх ретрансмиссия не идет.
func (t *ServerInvite) HandleRequest(req *sip.Request) bool {
	if !core.MethodEquals(req.Method, sip.INVITE) {
		return false
	}
	state := t.State()
	if state != StateProceeding && state != StateCompleted {
		return false
	}
	if last := t.LastResponse(); last != nil {
		if err := t.send(last); err != nil {
			t.log.Warn().Err(err).Msg("failed to retransmit response")
		}
	}
	return false
}

// HandleAck обрабатывает ACK на не-2xx финальный ответ:
// Completed -> Confirmed, затем Terminated по Timer I. ACK на 2xx
// через автомат не проходит, он адресован диалогу.
func (t *ServerInvite) HandleAck(ack *sip.Request) bool {
	if t.State() != StateCompleted {
		return false
	}
	t.respMu.Lock()
	if t.ackSeen {
		t.respMu.Unlock()
		return false
	}
	t.ackSeen = true
	t.respMu.Unlock()

	t.stopTimer("G")
	t.stopTimer("H")
	t.changeState(StateConfirmed)
	if t.timers.I > 0 {
		t.startTimer("I", t.timers.I, t.Terminate)
	} else {
		t.Terminate()
	}
	return true
}

// DoesCancelMatch сообщает, адресован ли CANCEL этой транзакции:
// совпадающий branch верхнего Via и тот же sent-by
// (RFC 3261 Section 9.2).
func (t *ServerInvite) DoesCancelMatch(cancel *sip.Request) bool {
	if !core.MethodEquals(cancel.Method, sip.CANCEL) {
		return false
	}
	cancelVia := cancel.Via()
	inviteVia := t.request.Via()
	if cancelVia == nil || inviteVia == nil {
		return false
	}
	cancelBranch, _ := cancelVia.Params.Get("branch")
	if !strings.EqualFold(cancelBranch, t.branch) {
		return false
	}
	return strings.EqualFold(cancelVia.Host, inviteVia.Host) && cancelVia.Port == inviteVia.Port
}
