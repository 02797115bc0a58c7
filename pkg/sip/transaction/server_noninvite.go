package transaction

import (
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/executor"
)

// ServerNonInvite серверная non-INVITE транзакция
// (RFC 3261 Section 17.2.2).
type ServerNonInvite struct {
	*baseTx
}

// NewServerNonInvite создает транзакцию по входящему запросу.
func NewServerNonInvite(req *sip.Request, tp Transport, timers TimerSet, sched *executor.Scheduler, log zerolog.Logger) *ServerNonInvite {
	t := &ServerNonInvite{
		baseTx: newBaseTx(RoleServer, req, tp, timers, sched, log, StateTrying),
	}
	t.self = t
	return t
}

// SendResponse отправляет ответ через автомат.
func (t *ServerNonInvite) SendResponse(res *sip.Response) error {
	code := res.StatusCode
	state := t.State()
	if state != StateTrying && state != StateProceeding {
		return &core.DialogStateError{Op: "send response", State: state.String()}
	}

	if err := t.send(res); err != nil {
		return err
	}
	t.setLastResponse(res)

	if code < 200 {
		t.changeState(StateProceeding)
		return nil
	}
	t.changeState(StateCompleted)
	if t.timers.J > 0 {
		t.startTimer("J", t.timers.J, t.Terminate)
	} else {
		t.Terminate()
	}
	return nil
}

// HandleRequest обрабатывает ретрансмиссию запроса. В Trying она
// молча поглощается (ответа еще нет), в Proceeding и Completed
// повторяется последний отправленный ответ. Наверх не идет.
func (t *ServerNonInvite) HandleRequest(req *sip.Request) bool {
	switch t.State() {
	case StateProceeding, StateCompleted:
		if last := t.LastResponse(); last != nil {
			if err := t.send(last); err != nil {
				t.log.Warn().Err(err).Msg("failed to retransmit response")
			}
		}
	}
	return false
}
