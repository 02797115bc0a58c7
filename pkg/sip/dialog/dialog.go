package dialog

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/executor"
)

// Settings параметры поведения диалога. Заполняются стеком из его
// конфигурации.
type Settings struct {
	// EarlyDialogTimeout максимальное время в EARLY до события
	// EARLY_STATE_TIMEOUT. Диалог при этом не завершается сам.
	EarlyDialogTimeout time.Duration
	// LingerTimer время жизни после TERMINATED, в течение которого
	// поиск по реестру еще находит диалог (поздний ACK, поздний BYE).
	LingerTimer time.Duration
	// AckWaitTimeout время ожидания ACK после финального 2xx
	// (DialogTimeoutFactor * T1).
	AckWaitTimeout time.Duration
	// T1, T2 базовые интервалы ретрансмиссии (RFC 3261 17).
	T1 time.Duration
	T2 time.Duration
	// TimerH предел ретрансмиссии надежного 1xx.
	TimerH time.Duration
	// RemoteTagReassignmentAllowed разрешает переназначение удаленного
	// тега в EARLY (форкинг).
	RemoteTagReassignmentAllowed bool
	// TerminateOnMissingAck завершать диалог по таймауту ожидания ACK.
	TerminateOnMissingAck bool
	// TerminateOnBye завершать диалог на 2xx ответ на BYE.
	TerminateOnBye bool
	// BackToBackUserAgent хранится в настройках, но диалогом не читается:
	// запросы диалога в любом случае идут по порядку через очередь
	// исполнителя.
	BackToBackUserAgent bool
	// AggressiveCleanup после TERMINATED сворачивает сохраненные
	// сообщения до компактных сводок.
	AggressiveCleanup bool
}

// DefaultSettings возвращает значения по умолчанию.
func DefaultSettings() Settings {
	t1 := 500 * time.Millisecond
	return Settings{
		EarlyDialogTimeout:           180 * time.Second,
		LingerTimer:                  8 * time.Second,
		AckWaitTimeout:               64 * t1,
		T1:                           t1,
		T2:                           4 * time.Second,
		TimerH:                       64 * t1,
		RemoteTagReassignmentAllowed: true,
		TerminateOnBye:               true,
	}
}

// Sender отправляет сообщение в транспортный слой. Реализация
// разрешает следующий хоп и выбирает канал.
type Sender interface {
	Send(msg sip.Message) error
}

// ClientTx клиентская транзакция с точки зрения диалога: диалог
// запускает ее через исполнитель, сохраняя порядок отправки.
type ClientTx interface {
	Request() *sip.Request
	Start() error
}

// StateHandler уведомление о смене состояния.
type StateHandler func(old, new State)

// ErrorHandler уведомление о таймаутах диалога.
type ErrorHandler func(code ErrorCode)

// Dialog одноранговая ассоциация по RFC 3261 Section 12.
//
// Мутации сериализуются владельцем: все исходящие отправки идут через
// исполнитель с ключом Call-ID, входящие сообщения обрабатывает поток
// диспетчера стека. Блокировки на время всей операции нет: mu
// защищает только поля и освобождается до отправки сообщений и до
// вызова обработчиков.
type Dialog struct {
	mu      sync.RWMutex
	machine *fsm.FSM
	log     zerolog.Logger
	set     Settings

	isServer bool
	callID   string
	localTag string
	// remoteTag может быть переназначен только в EARLY (форкинг).
	remoteTag string

	localParty   sip.Uri
	remoteParty  sip.Uri
	localContact sip.Uri

	remoteTarget    sip.Uri
	hasRemoteTarget bool

	seq    *Sequence
	routes *RouteSet
	// pendingRouteUpdateOn202 разовое обновление route set на 202
	// для SUBSCRIBE диалогов.
	pendingRouteUpdateOn202 bool
	routeUpdateConsumed     bool

	firstTx         core.RequestSummary
	firstTxMethod   sip.RequestMethod
	originalRequest *sip.Request

	lastResponse    *core.ResponseSummary
	lastResponseMsg *sip.Response

	lastAckSent         *sip.Request
	lastAckRaw          []byte
	lastAckReceivedCSeq int64
	ackSeen             bool
	ackSent             bool
	// lastInviteOK наибольший CSeq INVITE, на который видели 2xx.
	// Обновляется даже после TERMINATED, чтобы строить поздние ACK.
	lastInviteOK int64

	byeSent  bool
	reInvite bool

	pendingRel *pendingReliable
	relRSeq    uint32

	credentials sip.Header

	originalDialog    core.DialogKey
	hasOriginalDialog bool
	forks             *forkFingerprints

	auditTag        atomic.Int64
	terminatedOnce  atomic.Bool
	terminatedEvent atomic.Bool

	sender Sender
	sched  *executor.Scheduler
	exec   *executor.Executor

	onStateChange    StateHandler
	onError          ErrorHandler
	onTransportError func(err error)
	onLingerExpired  func(d *Dialog)
}

// NewUAC создает клиентский диалог из исходящего диалогообразующего
// запроса. Локальный тег берется из From.
func NewUAC(req *sip.Request, localContact sip.Uri, set Settings, sender Sender, sched *executor.Scheduler, exec *executor.Executor, log zerolog.Logger) (*Dialog, error) {
	callIDH := req.CallID()
	if callIDH == nil || callIDH.Value() == "" {
		return nil, &core.ProtocolError{Reason: "request without Call-ID"}
	}
	from := req.From()
	if from == nil {
		return nil, &core.ProtocolError{Reason: "request without From"}
	}
	localTag, _ := from.Params.Get("tag")
	to := req.To()
	if to == nil {
		return nil, &core.ProtocolError{Reason: "request without To"}
	}
	cseq := req.CSeq()
	if cseq == nil {
		return nil, &core.ProtocolError{Reason: "request without CSeq"}
	}

	d := newDialog(false, callIDH.Value(), localTag, "", set, sender, sched, exec, log)
	d.localParty = from.Address
	d.remoteParty = to.Address
	d.localContact = localContact
	d.seq = NewSequence(cseq.SeqNo)
	d.firstTx = core.SummarizeRequest(req)
	d.firstTxMethod = req.Method
	d.originalRequest = req
	if req.Method == sip.INVITE {
		d.seq.SetInvite(cseq.SeqNo)
	}
	if req.Method == sip.SUBSCRIBE {
		d.pendingRouteUpdateOn202 = true
	}
	d.cacheCredentials(req)
	return d, nil
}

// NewUAS создает серверный диалог из входящего диалогообразующего
// запроса. Локальный тег генерирует вызывающая сторона.
func NewUAS(req *sip.Request, localTag string, localContact sip.Uri, set Settings, sender Sender, sched *executor.Scheduler, exec *executor.Executor, log zerolog.Logger) (*Dialog, error) {
	callIDH := req.CallID()
	if callIDH == nil || callIDH.Value() == "" {
		return nil, &core.ProtocolError{Reason: "request without Call-ID"}
	}
	from := req.From()
	if from == nil {
		return nil, &core.ProtocolError{Reason: "request without From"}
	}
	remoteTag, _ := from.Params.Get("tag")
	to := req.To()
	if to == nil {
		return nil, &core.ProtocolError{Reason: "request without To"}
	}
	cseq := req.CSeq()
	if cseq == nil {
		return nil, &core.ProtocolError{Reason: "request without CSeq"}
	}

	d := newDialog(true, callIDH.Value(), localTag, remoteTag, set, sender, sched, exec, log)
	d.localParty = to.Address
	d.remoteParty = from.Address
	d.localContact = localContact
	d.seq = NewSequence(0)
	d.seq.ValidateRemote(cseq.SeqNo, req.Method)
	d.firstTx = core.SummarizeRequest(req)
	d.firstTxMethod = req.Method
	d.originalRequest = req
	if req.Method == sip.INVITE {
		d.seq.SetInvite(cseq.SeqNo)
	}
	// UAS: route set строится из запроса в прямом порядке и сразу.
	d.routes = RouteSetFromRequest(req, d.log)
	if uri, ok := contactURI(req); ok {
		d.remoteTarget = uri
		d.hasRemoteTarget = true
	}
	d.cacheCredentials(req)
	return d, nil
}

func newDialog(isServer bool, callID, localTag, remoteTag string, set Settings, sender Sender, sched *executor.Scheduler, exec *executor.Executor, log zerolog.Logger) *Dialog {
	d := &Dialog{
		log: log.With().
			Str("component", "dialog").
			Str("call_id", callID).
			Bool("server", isServer).
			Logger(),
		set:                 set,
		isServer:            isServer,
		callID:              callID,
		localTag:            localTag,
		remoteTag:           remoteTag,
		routes:              NewRouteSet(),
		lastAckReceivedCSeq: unseen,
		lastInviteOK:        unseen,
		forks:               newForkFingerprints(),
		sender:              sender,
		sched:               sched,
		exec:                exec,
	}
	d.initStateMachine()
	return d
}

func (d *Dialog) initStateMachine() {
	d.machine = fsm.NewFSM(
		fsmStateNull,
		fsm.Events{
			{Name: fsmEventEarly, Src: []string{fsmStateNull}, Dst: fsmStateEarly},
			{Name: fsmEventConfirm, Src: []string{fsmStateNull, fsmStateEarly}, Dst: fsmStateConfirmed},
			{Name: fsmEventTerminate, Src: []string{fsmStateNull, fsmStateEarly, fsmStateConfirmed}, Dst: fsmStateTerminated},
		},
		fsm.Callbacks{},
	)
}

// OnStateChange регистрирует обработчик смены состояния.
func (d *Dialog) OnStateChange(h StateHandler) {
	d.mu.Lock()
	d.onStateChange = h
	d.mu.Unlock()
}

// OnError регистрирует обработчик таймаутов диалога.
func (d *Dialog) OnError(h ErrorHandler) {
	d.mu.Lock()
	d.onError = h
	d.mu.Unlock()
}

// OnTransportError регистрирует обработчик ошибок отправки.
func (d *Dialog) OnTransportError(h func(err error)) {
	d.mu.Lock()
	d.onTransportError = h
	d.mu.Unlock()
}

// OnLingerExpired регистрирует обработчик истечения linger-окна.
// Стек удаляет диалог из индексов в этом обработчике.
func (d *Dialog) OnLingerExpired(h func(d *Dialog)) {
	d.mu.Lock()
	d.onLingerExpired = h
	d.mu.Unlock()
}

// State возвращает текущее состояние.
func (d *Dialog) State() State {
	return stateFromFSM(d.machine.Current())
}

// Key возвращает идентификатор диалога.
func (d *Dialog) Key() core.DialogKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keyLocked()
}

func (d *Dialog) keyLocked() core.DialogKey {
	return core.DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

// EarlyKey возвращает идентификатор раннего диалога.
func (d *Dialog) EarlyKey() core.DialogKey {
	return d.Key().EarlyKey()
}

// CallID возвращает Call-ID диалога.
func (d *Dialog) CallID() string { return d.callID }

// IsServer сообщает, создан ли диалог входящим запросом.
func (d *Dialog) IsServer() bool { return d.isServer }

// LocalTag возвращает локальный тег.
func (d *Dialog) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag возвращает удаленный тег.
func (d *Dialog) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// RemoteTarget возвращает текущий remote target.
func (d *Dialog) RemoteTarget() (sip.Uri, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget, d.hasRemoteTarget
}

// RouteSet возвращает копию route set.
func (d *Dialog) RouteSet() *RouteSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.routes.Clone()
}

// FirstTransaction возвращает сводку транзакции, создавшей диалог.
// Сводка переживает саму транзакцию.
func (d *Dialog) FirstTransaction() core.RequestSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstTx
}

// LastResponse возвращает сводку последнего значимого ответа.
func (d *Dialog) LastResponse() (core.ResponseSummary, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastResponse == nil {
		return core.ResponseSummary{}, false
	}
	return *d.lastResponse, true
}

// MergeID возвращает merge-идентификатор первой транзакции.
func (d *Dialog) MergeID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstTx.MergeID
}

// AuditTag возвращает отметку аудитора.
func (d *Dialog) AuditTag() int64 { return d.auditTag.Load() }

// SetAuditTag ставит отметку аудитора.
func (d *Dialog) SetAuditTag(tag int64) { d.auditTag.Store(tag) }

// ClaimTerminatedEvent атомарно захватывает право доставить событие
// DialogTerminated. Возвращает true ровно один раз.
func (d *Dialog) ClaimTerminatedEvent() bool {
	return d.terminatedEvent.CompareAndSwap(false, true)
}

// MarkForkedFrom помечает диалог вторичным, созданным форкингом от
// первичного диалога с ключом primary.
func (d *Dialog) MarkForkedFrom(primary core.DialogKey) {
	d.mu.Lock()
	d.originalDialog = primary
	d.hasOriginalDialog = true
	d.mu.Unlock()
}

// OriginalDialog возвращает ключ первичного диалога для вторичных
// диалогов форка.
func (d *Dialog) OriginalDialog() (core.DialogKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.originalDialog, d.hasOriginalDialog
}

// CheckRetransmissionForForking сообщает, является ли ответ
// ретрансмиссией уже виденного в рамках форка. Верхний слой подавляет
// доставку дубликата.
func (d *Dialog) CheckRetransmissionForForking(res *sip.Response) bool {
	return d.forks.markSeen(fingerprintResponse(res))
}

// LastInviteOK возвращает наибольший CSeq INVITE, подтвержденный 2xx,
// или unseen.
func (d *Dialog) LastInviteOK() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastInviteOK
}

// Sequence возвращает счетчики CSeq диалога.
func (d *Dialog) Sequence() *Sequence { return d.seq }

func (d *Dialog) cacheCredentials(req *sip.Request) {
	if h := req.GetHeader("Proxy-Authorization"); h != nil {
		d.credentials = sip.HeaderClone(h)
	}
}

// транспорты, допустимые в CreateRequest.
var knownTransports = map[string]struct{}{
	"UDP": {}, "TCP": {}, "TLS": {}, "SCTP": {}, "WS": {}, "WSS": {},
}

// CreateRequest строит новый внутридиалоговый запрос.
//
// ACK, CANCEL и PRACK строятся специализированными операциями.
// Требует EARLY или CONFIRMED; BYE на серверной стороне только в
// CONFIRMED (RFC 3261 Section 15.1.2).
func (d *Dialog) CreateRequest(method sip.RequestMethod, transport string) (*sip.Request, error) {
	switch method {
	case sip.ACK, sip.CANCEL, "PRACK":
		return nil, ErrForbiddenMethod
	}

	tp := strings.ToUpper(transport)
	if _, ok := knownTransports[tp]; !ok {
		return nil, core.ErrUnknownTransport
	}

	state := d.State()
	switch state {
	case StateEarly:
		if method == sip.BYE && d.isServer {
			return nil, &core.DialogStateError{Op: "CreateRequest BYE", State: state.String()}
		}
	case StateConfirmed:
	default:
		return nil, &core.DialogStateError{Op: "CreateRequest", State: state.String()}
	}

	cseq, err := d.seq.NextLocal()
	if err != nil {
		return nil, err
	}
	return d.buildRequest(method, cseq, tp), nil
}

// buildRequest собирает внутридиалоговый запрос с текущим route set,
// тегами и кэшированными учетными данными.
func (d *Dialog) buildRequest(method sip.RequestMethod, cseq uint32, transport string) *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()

	req := sip.NewRequest(method, d.requestTargetLocked())
	req.SetTransport(transport)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            d.localContact.Host,
		Port:            d.localContact.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
	req.AppendHeader(via)

	d.routes.ApplyToRequest(req, d.requestTargetLocked())

	from := &sip.FromHeader{Address: d.localParty, Params: sip.NewParams()}
	if d.localTag != "" {
		from.Params = from.Params.Add("tag", d.localTag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: d.remoteParty, Params: sip.NewParams()}
	if d.remoteTag != "" {
		to.Params = to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	if core.IsTargetRefresh(method) {
		req.AppendHeader(&sip.ContactHeader{Address: d.localContact, Params: sip.NewParams()})
	}
	if d.credentials != nil {
		req.AppendHeader(sip.HeaderClone(d.credentials))
	}
	return req
}

// requestTargetLocked возвращает URI назначения: remote target, а до
// его появления URI удаленной стороны без параметров.
func (d *Dialog) requestTargetLocked() sip.Uri {
	if d.hasRemoteTarget {
		return d.remoteTarget
	}
	u := d.remoteParty
	u.UriParams = sip.NewParams()
	return u
}

// SendRequest запускает клиентскую транзакцию через исполнитель,
// сохраняя порядок отправок диалога: запрос любого метода встает в
// очередь исполнителя за ранее поданными задачами диалога.
// allowInterleaving на поведение не влияет. Задача только запускает
// транзакцию и завершения предыдущего re-INVITE не ждет.
func (d *Dialog) SendRequest(tx ClientTx, allowInterleaving bool) error {
	req := tx.Request()
	switch req.Method {
	case sip.ACK, sip.CANCEL:
		return ErrForbiddenMethod
	}

	d.mu.Lock()
	if d.byeSent && req.Method != sip.BYE {
		d.mu.Unlock()
		return ErrByeAlreadySent
	}
	if req.Method == sip.BYE {
		d.byeSent = true
	}
	if req.Method == sip.INVITE && d.State() == StateConfirmed {
		d.reInvite = true
	}
	d.cacheCredentials(req)
	d.mu.Unlock()

	_ = allowInterleaving // очередь исполнителя сериализует в обоих случаях

	if d.exec == nil {
		return tx.Start()
	}
	d.exec.AddTaskLast(d.callID, func() {
		if err := tx.Start(); err != nil {
			d.notifyTransportError(err)
		}
	})
	return nil
}

// CreateAck строит ACK на 2xx ответ с заданным CSeq (RFC 3261 13.2.2.4).
// Требует, чтобы диалог видел 2xx на INVITE с CSeq не меньше cseq.
func (d *Dialog) CreateAck(cseq uint32) (*sip.Request, error) {
	d.mu.RLock()
	ok := d.lastInviteOK != unseen && int64(cseq) <= d.lastInviteOK
	d.mu.RUnlock()
	if !ok {
		return nil, ErrNo2xxForAck
	}

	return d.buildRequest(sip.ACK, cseq, d.ackTransport()), nil
}

// ackTransport выбирает транспорт для ACK: явный параметр transport
// у цели, TLS для sips, транспорт верхнего Via последнего ответа,
// иначе UDP.
func (d *Dialog) ackTransport() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	target := d.remoteTarget
	if !d.hasRemoteTarget {
		target = d.remoteParty
	}
	if tp, ok := target.UriParams.Get("transport"); ok && tp != "" {
		return strings.ToUpper(tp)
	}
	if strings.EqualFold(target.Scheme, "sips") {
		return "TLS"
	}
	if d.lastResponse != nil && d.lastResponse.TopVia != "" {
		for _, tp := range []string{"TLS", "TCP", "UDP", "WSS", "WS", "SCTP"} {
			if strings.Contains(strings.ToUpper(d.lastResponse.TopVia), "/"+tp+" ") {
				return tp
			}
		}
	}
	return "UDP"
}

// SendAck отправляет ACK с приоритетом в голове очереди диалога,
// кэширует его для ретрансмиссии и снимает таймер ожидания ACK.
func (d *Dialog) SendAck(ack *sip.Request) error {
	if ack.Method != sip.ACK {
		return ErrForbiddenMethod
	}
	callIDH := ack.CallID()
	if callIDH == nil || callIDH.Value() != d.callID {
		return &core.ProtocolError{Reason: "ACK with foreign Call-ID"}
	}

	d.mu.Lock()
	if from := ack.From(); from != nil && d.localTag != "" {
		if _, has := from.Params.Get("tag"); !has {
			from.Params = from.Params.Add("tag", d.localTag)
		}
	}
	if to := ack.To(); to != nil && d.remoteTag != "" {
		if _, has := to.Params.Get("tag"); !has {
			to.Params = to.Params.Add("tag", d.remoteTag)
		}
	}
	d.lastAckSent = ack
	d.lastAckRaw = []byte(ack.String())
	d.ackSent = true
	d.mu.Unlock()

	d.sched.Cancel(d.timerID("ackwait"))

	send := func() {
		if err := d.sender.Send(ack); err != nil {
			d.log.Warn().Err(err).Msg("ACK send failed")
			d.notifyTransportError(err)
		}
	}
	if d.exec == nil {
		send()
		return nil
	}
	// ACK идет с приоритетом головы очереди (RFC 3261 13.2.2.4).
	d.exec.AddTaskFirst(d.callID, send)
	return nil
}

// ResendAck повторяет последний отправленный ACK в ответ на
// ретрансмиссию 2xx.
func (d *Dialog) ResendAck() error {
	d.mu.RLock()
	ack := d.lastAckSent
	d.mu.RUnlock()
	if ack == nil {
		return ErrNo2xxForAck
	}
	if err := d.sender.Send(ack); err != nil {
		d.notifyTransportError(err)
		return err
	}
	return nil
}

// HandleAck обрабатывает входящий ACK на стороне UAS.
//
// Ретрансмиссии и ACK на чужие CSeq поглощаются (false). Новый ACK на
// последний 2xx подтверждает диалог и доставляется наверх (true).
func (d *Dialog) HandleAck(ack *sip.Request) bool {
	cseqH := ack.CSeq()
	if cseqH == nil {
		return false
	}
	cseq := cseqH.SeqNo

	d.mu.Lock()
	if d.ackSeen && int64(cseq) == d.lastAckReceivedCSeq {
		d.mu.Unlock()
		return false
	}
	last := d.lastResponse
	matches := last != nil &&
		last.StatusCode/100 == 2 &&
		core.MethodEquals(last.Method, sip.INVITE) &&
		last.CSeq == cseq
	if !matches {
		d.mu.Unlock()
		d.log.Warn().Uint32("cseq", cseq).Msg("stale ACK dropped")
		return false
	}
	d.ackSeen = true
	d.lastAckReceivedCSeq = int64(cseq)
	d.mu.Unlock()

	d.sched.Cancel(d.timerID("ackwait"))

	// Поздний ACK в окне linger: сопоставлен и учтен, но завершенный
	// диалог не воскресает и наверх ACK не идет.
	if d.State() == StateTerminated {
		return false
	}
	if d.State() == StateEarly {
		d.transition(fsmEventConfirm)
	}
	return true
}

// AckSeen сообщает, был ли сопоставлен ACK на последний 2xx.
func (d *Dialog) AckSeen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ackSeen
}

// HandleRequest обрабатывает входящий внутридиалоговый запрос:
// проверяет CSeq, обновляет remote target для target refresh методов
// и распознает re-INVITE. Route set не меняется (заморожен).
// Возвращает false, если запрос следует отбросить.
func (d *Dialog) HandleRequest(req *sip.Request) bool {
	cseqH := req.CSeq()
	if cseqH == nil {
		return false
	}
	if !d.seq.ValidateRemote(cseqH.SeqNo, req.Method) {
		d.log.Warn().
			Uint32("cseq", cseqH.SeqNo).
			Str("method", string(req.Method)).
			Msg("out of order CSeq, request dropped")
		return false
	}

	d.mu.Lock()
	if shouldRefreshTargetFromRequest(req.Method) {
		if uri, ok := contactURI(req); ok {
			d.remoteTarget = uri
			d.hasRemoteTarget = true
		}
	}
	if req.Method == sip.INVITE && core.MethodEquals(d.firstTxMethod, sip.INVITE) &&
		req.Via() != nil && d.firstTx.Branch != "" {
		if branch, _ := req.Via().Params.Get("branch"); branch != "" && branch != d.firstTx.Branch {
			d.reInvite = true
		}
	}
	d.mu.Unlock()
	return true
}

// IsReInvite сообщает, шел ли по диалогу re-INVITE.
func (d *Dialog) IsReInvite() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reInvite
}

// SetLastResponse центральная точка машины состояний: вызывается для
// каждого отправленного и принятого значимого ответа. 100 Trying
// игнорируется. Возвращает прежний ключ и признак его изменения,
// чтобы реестр переиндексировал диалог.
func (d *Dialog) SetLastResponse(txMethod sip.RequestMethod, res *sip.Response) (oldKey core.DialogKey, keyChanged bool) {
	code := res.StatusCode
	if code == 100 {
		return core.DialogKey{}, false
	}
	cseqH := res.CSeq()
	if cseqH == nil {
		d.log.Warn().Int("status", code).Msg("response without CSeq ignored")
		return core.DialogKey{}, false
	}
	method := txMethod
	if method == "" {
		method = cseqH.MethodName
	}
	var toTag string
	if to := res.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}

	state := d.State()
	isClient := !d.isServer

	d.mu.Lock()
	oldKey = d.keyLocked()

	summary := core.SummarizeResponse(res)
	d.lastResponse = &summary
	d.lastResponseMsg = res

	// 2xx на INVITE фиксируется даже после TERMINATED: поздние ACK
	// должны строиться, но диалог не воскресает.
	if code/100 == 2 && core.MethodEquals(method, sip.INVITE) {
		if int64(cseqH.SeqNo) > d.lastInviteOK {
			d.lastInviteOK = int64(cseqH.SeqNo)
		}
	}

	var fire string
	switch {
	case code < 200:
		if toTag == "" {
			break
		}
		switch state {
		case StateNull:
			d.assignPeerTagLocked(toTag)
			keyChanged = true
			if isClient {
				d.routes = RouteSetFromResponse(res, d.log)
			}
			fire = fsmEventEarly
		case StateEarly:
			if isClient && toTag != d.remoteTag {
				if d.set.RemoteTagReassignmentAllowed {
					// Форкинг: новый to-тег в EARLY переназначает
					// удаленный тег и ключ диалога.
					d.remoteTag = toTag
					d.routes = RouteSetFromResponse(res, d.log)
					keyChanged = true
				} else {
					d.log.Warn().Str("to_tag", toTag).
						Msg("remote tag reassignment rejected by policy")
				}
			}
		}

	case code < 300:
		if core.MethodEquals(method, sip.BYE) {
			if d.set.TerminateOnBye {
				fire = fsmEventTerminate
			}
			break
		}
		if core.MethodEquals(method, sip.NOTIFY) {
			// Внедиалоговый NOTIFY подтверждает SUBSCRIBE/REFER диалог.
			if state == StateNull {
				fire = fsmEventConfirm
			}
			break
		}
		if !core.IsDialogCreating(method) {
			break
		}
		switch state {
		case StateNull, StateEarly:
			if toTag == "" {
				d.log.Warn().Int("status", code).Msg("2xx without to-tag dropped")
				break
			}
			if toTag != d.peerTagLocked() {
				d.assignPeerTagLocked(toTag)
				keyChanged = true
			}
			if isClient {
				if core.MethodEquals(method, sip.SUBSCRIBE) && d.pendingRouteUpdateOn202 {
					if code == 202 && !d.routeUpdateConsumed {
						d.routes = RouteSetFromResponse(res, d.log)
						d.routeUpdateConsumed = true
					}
				} else {
					d.routes = RouteSetFromResponse(res, d.log)
				}
			}
			fire = fsmEventConfirm
		case StateConfirmed:
			// После CONFIRMED route set заморожен; единственное
			// исключение: отложенное обновление на 202 для SUBSCRIBE.
			if isClient && code == 202 && core.MethodEquals(method, sip.SUBSCRIBE) &&
				d.pendingRouteUpdateOn202 && !d.routeUpdateConsumed {
				d.routes = RouteSetFromResponse(res, d.log)
				d.routeUpdateConsumed = true
			}
		}

	default: // 3xx-6xx
		if !core.IsDialogCreating(method) {
			break
		}
		if state != StateEarly && state != StateNull {
			break
		}
		// RFC 3265 3.1.4.1: 489 на SUBSCRIBE/NOTIFY не завершает диалог.
		if code == 489 &&
			(core.MethodEquals(method, sip.SUBSCRIBE) || core.MethodEquals(method, sip.NOTIFY)) {
			break
		}
		fire = fsmEventTerminate
	}

	// Remote target клиент учит из ответов удаленной стороны.
	if isClient && shouldRefreshTargetFromResponse(code, method) {
		if uri, ok := contactURI(res); ok {
			d.remoteTarget = uri
			d.hasRemoteTarget = true
		}
	}
	d.mu.Unlock()

	switch fire {
	case fsmEventTerminate:
		d.Terminate()
	case "":
	default:
		d.transition(fire)
	}

	// Клиентский диалог в EARLY перезапускает таймер раннего
	// состояния на каждом ответе.
	if isClient && d.State() == StateEarly {
		d.startEarlyTimer()
	}

	// После финального 2xx на INVITE ожидается ACK.
	if code/100 == 2 && core.MethodEquals(method, sip.INVITE) && d.State() != StateTerminated {
		d.scheduleAckWait()
	}

	if keyChanged {
		d.log.Debug().
			Str("old", oldKey.String()).
			Str("new", d.Key().String()).
			Msg("dialog key changed")
	}
	return oldKey, keyChanged
}

// peerTagLocked возвращает тег удаленной стороны относительно роли
// владельца ответа: для клиента to-тег удаленный, для сервера
// локальный.
func (d *Dialog) peerTagLocked() string {
	if d.isServer {
		return d.localTag
	}
	return d.remoteTag
}

func (d *Dialog) assignPeerTagLocked(toTag string) {
	if d.isServer {
		if d.localTag == "" {
			d.localTag = toTag
		}
		return
	}
	d.remoteTag = toTag
}

// Terminate переводит диалог в TERMINATED. Идемпотентна: вся работа
// первого перехода (остановка таймеров, linger, очистка) выполняется
// один раз.
func (d *Dialog) Terminate() {
	if !d.terminatedOnce.CompareAndSwap(false, true) {
		return
	}
	d.transition(fsmEventTerminate)
	d.stopAllTimers()

	if d.set.AggressiveCleanup {
		d.releaseReferences()
	}

	// Linger-окно: поиск по реестру еще находит диалог для поздних
	// ACK и BYE. Нулевой linger выполняет задачу немедленно.
	d.sched.Schedule(d.timerID("linger"), d.set.LingerTimer, func() {
		d.mu.RLock()
		cb := d.onLingerExpired
		d.mu.RUnlock()
		if cb != nil {
			cb(d)
		}
	})
}

// releaseReferences сворачивает сохраненные сообщения до сводок,
// снижая память завершенных диалогов. Последний ACK сохраняется для
// ретрансмиссии.
func (d *Dialog) releaseReferences() {
	d.mu.Lock()
	d.originalRequest = nil
	d.lastResponseMsg = nil
	d.credentials = nil
	d.mu.Unlock()
}

func (d *Dialog) transition(event string) {
	prev := d.State()
	if err := d.machine.Event(context.Background(), event); err != nil {
		d.log.Debug().Err(err).Str("event", event).Msg("state transition skipped")
		return
	}
	next := d.State()
	if prev == next {
		return
	}

	if prev == StateEarly {
		d.stopEarlyTimer()
	}
	d.log.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("dialog state changed")

	d.mu.RLock()
	handler := d.onStateChange
	d.mu.RUnlock()
	if handler != nil {
		handler(prev, next)
	}
}

func (d *Dialog) notifyError(code ErrorCode) {
	d.mu.RLock()
	handler := d.onError
	d.mu.RUnlock()
	if handler != nil {
		handler(code)
	}
}

func (d *Dialog) notifyTransportError(err error) {
	d.mu.RLock()
	handler := d.onTransportError
	d.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

func (d *Dialog) timerID(name string) string {
	return "dlg:" + d.callID + ":" + d.localTag + ":" + name
}

// startEarlyTimer запускает или перезапускает таймер раннего
// состояния. По истечении диалог сообщает EARLY_STATE_TIMEOUT, но не
// завершает себя: решает верхний слой.
func (d *Dialog) startEarlyTimer() {
	if d.set.EarlyDialogTimeout <= 0 {
		return
	}
	d.sched.Schedule(d.timerID("early"), d.set.EarlyDialogTimeout, func() {
		if d.State() != StateEarly {
			return
		}
		d.log.Warn().Msg("early dialog timeout")
		d.notifyError(ErrorEarlyStateTimeout)
	})
}

func (d *Dialog) stopEarlyTimer() {
	d.sched.Cancel(d.timerID("early"))
}

// scheduleAckWait взводит таймер ожидания ACK после финального 2xx.
func (d *Dialog) scheduleAckWait() {
	code := ErrorAckNotSent
	if d.isServer {
		code = ErrorAckNotReceived
	}
	d.sched.Schedule(d.timerID("ackwait"), d.set.AckWaitTimeout, func() {
		d.mu.RLock()
		done := d.ackSeen || d.ackSent
		d.mu.RUnlock()
		if done || d.State() == StateTerminated {
			return
		}
		d.log.Warn().Str("reason", code.String()).Msg("ACK wait timeout")
		d.notifyError(code)
		if d.set.TerminateOnMissingAck {
			d.Terminate()
		}
	})
}

func (d *Dialog) stopAllTimers() {
	for _, name := range []string{"early", "ackwait", "rel1xx"} {
		d.sched.Cancel(d.timerID(name))
	}
}
