// Package transaction реализует конечные автоматы клиентских и
// серверных транзакций RFC 3261 Section 17 поверх разобранных
// сообщений sipgo. Ретрансмиссии и таймауты планируются через общий
// планировщик; владельцем транзакций является реестр стека, диалоги
// ссылаются на транзакции только по branch-ключу.
package transaction

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/executor"
)

// Transport минимальный контракт отправки для транзакции.
// Реализуется каналом сообщений транспортного слоя.
type Transport interface {
	Send(msg sip.Message) error
	IsReliable() bool
}

// Transaction общий контракт клиентских и серверных транзакций.
type Transaction interface {
	Branch() string
	Method() sip.RequestMethod
	Role() Role
	State() State
	Request() *sip.Request
	LastResponse() *sip.Response
	Summary() core.RequestSummary
	CreatedAt() time.Time
	IsTerminated() bool
	Terminate()

	// AuditTag метка аудитора утечек: ноль означает "не помечена".
	AuditTag() time.Time
	SetAuditTag(t time.Time)

	OnStateChange(h StateHandler)
	OnTimeout(h TimeoutHandler)
	OnTransportError(h ErrorHandler)
}

// StateHandler вызывается после смены состояния.
type StateHandler func(tx Transaction, from, to State)

// TimeoutHandler вызывается при срабатывании таймаутного таймера
// (B, F, H) и по пределу времени жизни ("life"). Имя таймера
// передается как есть.
type TimeoutHandler func(tx Transaction, timer string)

// ErrorHandler вызывается при ошибке отправки.
type ErrorHandler func(tx Transaction, err error)

// baseTx общая часть всех четырех автоматов.
type baseTx struct {
	branch  string
	method  sip.RequestMethod
	role    Role
	summary core.RequestSummary

	mu           sync.RWMutex
	state        State
	request      *sip.Request
	lastResponse *sip.Response

	timers    TimerSet
	sched     *executor.Scheduler
	transport Transport
	reliable  bool
	log       zerolog.Logger

	onState   []StateHandler
	onTimeout []TimeoutHandler
	onError   []ErrorHandler

	createdAt time.Time
	auditTag  atomic.Int64

	self Transaction // конкретный автомат для передачи в обработчики
}

func newBaseTx(role Role, req *sip.Request, tp Transport, timers TimerSet, sched *executor.Scheduler, log zerolog.Logger, initial State) *baseTx {
	reliable := tp.IsReliable()
	if reliable {
		timers = timers.ForReliable()
	}
	branch := core.BranchID(req)
	return &baseTx{
		branch:    branch,
		method:    req.Method,
		role:      role,
		summary:   core.SummarizeRequest(req),
		state:     initial,
		request:   req,
		timers:    timers,
		sched:     sched,
		transport: tp,
		reliable:  reliable,
		createdAt: time.Now(),
		log: log.With().
			Str("component", "transaction").
			Str("role", role.String()).
			Str("method", string(req.Method)).
			Str("branch", branch).
			Logger(),
	}
}

func (t *baseTx) Branch() string             { return t.branch }
func (t *baseTx) Method() sip.RequestMethod  { return t.method }
func (t *baseTx) Role() Role                 { return t.role }
func (t *baseTx) Summary() core.RequestSummary { return t.summary }
func (t *baseTx) Request() *sip.Request      { return t.request }
func (t *baseTx) CreatedAt() time.Time       { return t.createdAt }

func (t *baseTx) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *baseTx) IsTerminated() bool { return t.State() == StateTerminated }

func (t *baseTx) LastResponse() *sip.Response {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResponse
}

func (t *baseTx) setLastResponse(res *sip.Response) {
	t.mu.Lock()
	t.lastResponse = res
	t.mu.Unlock()
}

func (t *baseTx) AuditTag() time.Time {
	n := t.auditTag.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (t *baseTx) SetAuditTag(at time.Time) {
	if at.IsZero() {
		t.auditTag.Store(0)
		return
	}
	t.auditTag.Store(at.UnixNano())
}

func (t *baseTx) OnStateChange(h StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, h)
}

func (t *baseTx) OnTimeout(h TimeoutHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTimeout = append(t.onTimeout, h)
}

func (t *baseTx) OnTransportError(h ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, h)
}

// changeState переводит автомат в новое состояние. Переходы из
// Terminated запрещены. Возвращает true при фактической смене.
func (t *baseTx) changeState(to State) bool {
	t.mu.Lock()
	from := t.state
	if from == to || from == StateTerminated {
		t.mu.Unlock()
		return false
	}
	t.state = to
	handlers := make([]StateHandler, len(t.onState))
	copy(handlers, t.onState)
	t.mu.Unlock()

	t.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("transaction state change")
	for _, h := range handlers {
		h(t.self, from, to)
	}
	return true
}

// Terminate переводит автомат в Terminated и снимает все таймеры.
// Идемпотентна.
func (t *baseTx) Terminate() {
	if !t.changeState(StateTerminated) {
		return
	}
	t.stopAllTimers()
}

var allTimers = []string{"A", "B", "D", "E", "F", "G", "H", "I", "J", "K", "life"}

func (t *baseTx) stopAllTimers() {
	for _, name := range allTimers {
		t.sched.Cancel(t.timerKey(name))
	}
}

func (t *baseTx) timerKey(name string) string {
	return "tx:" + t.role.String() + ":" + t.branch + ":" + name
}

func (t *baseTx) startTimer(name string, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	t.sched.Schedule(t.timerKey(name), d, fn)
}

func (t *baseTx) stopTimer(name string) {
	t.sched.Cancel(t.timerKey(name))
}

// StartMaxLifetime ограничивает абсолютное время жизни транзакции.
// По истечении автомат терминируется и поднимается таймаут "life".
func (t *baseTx) StartMaxLifetime(d time.Duration) {
	if d <= 0 {
		return
	}
	t.startTimer("life", d, func() {
		if t.IsTerminated() {
			return
		}
		t.notifyTimeout("life")
		t.Terminate()
	})
}

func (t *baseTx) send(msg sip.Message) error {
	if err := t.transport.Send(msg); err != nil {
		t.notifyError(err)
		return err
	}
	return nil
}

func (t *baseTx) notifyTimeout(timer string) {
	t.mu.RLock()
	handlers := make([]TimeoutHandler, len(t.onTimeout))
	copy(handlers, t.onTimeout)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(t.self, timer)
	}
}

func (t *baseTx) notifyError(err error) {
	t.mu.RLock()
	handlers := make([]ErrorHandler, len(t.onError))
	copy(handlers, t.onError)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(t.self, err)
	}
}
