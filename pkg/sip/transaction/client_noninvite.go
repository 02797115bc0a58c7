package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/executor"
)

// ClientNonInvite клиентская non-INVITE транзакция
// (RFC 3261 Section 17.1.2).
type ClientNonInvite struct {
	*baseTx

	retransmitCount   int
	currentRetransmit time.Duration
}

// NewClientNonInvite создает транзакцию. Запрос не отправляется до Start.
func NewClientNonInvite(req *sip.Request, tp Transport, timers TimerSet, sched *executor.Scheduler, log zerolog.Logger) *ClientNonInvite {
	t := &ClientNonInvite{
		baseTx: newBaseTx(RoleClient, req, tp, timers, sched, log, StateTrying),
	}
	t.currentRetransmit = t.timers.E
	t.self = t
	return t
}

// Start отправляет запрос и взводит таймеры E и F.
func (t *ClientNonInvite) Start() error {
	if err := t.send(t.request); err != nil {
		t.Terminate()
		return err
	}
	if !t.reliable {
		t.startTimer("E", t.currentRetransmit, t.handleTimerE)
	}
	t.startTimer("F", t.timers.F, t.handleTimerF)
	return nil
}

func (t *ClientNonInvite) handleTimerE() {
	state := t.State()
	if state != StateTrying && state != StateProceeding {
		return
	}
	if err := t.send(t.request); err != nil {
		t.Terminate()
		return
	}
	t.retransmitCount++
	if state == StateProceeding {
		// В Proceeding интервал фиксируется на T2 (17.1.2.1).
		t.currentRetransmit = t.timers.T2
	} else {
		t.currentRetransmit = NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	}
	t.startTimer("E", t.currentRetransmit, t.handleTimerE)
}

func (t *ClientNonInvite) handleTimerF() {
	state := t.State()
	if state == StateTrying || state == StateProceeding {
		t.notifyTimeout("F")
		t.Terminate()
	}
}

// HandleResponse прогоняет ответ через автомат. Возвращает true,
// если ответ должен быть доставлен наверх.
func (t *ClientNonInvite) HandleResponse(res *sip.Response) bool {
	code := res.StatusCode
	switch t.State() {
	case StateTrying, StateProceeding:
		t.setLastResponse(res)
		if code < 200 {
			t.changeState(StateProceeding)
			return true
		}
		t.stopTimer("E")
		t.stopTimer("F")
		t.changeState(StateCompleted)
		if t.timers.K > 0 {
			t.startTimer("K", t.timers.K, t.Terminate)
		} else {
			t.Terminate()
		}
		return true
	default:
		// Completed и Terminated: ретрансмиссии поглощаются.
		return false
	}
}
