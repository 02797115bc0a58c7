package stack

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/dialog"
	"github.com/arzzra/sipcore/pkg/sip/executor"
	"github.com/arzzra/sipcore/pkg/sip/transaction"
)

// MessageProcessor владеет соединениями одного транспорта. Диалоги не
// держат каналов: адресат разрешается на каждую отправку через набор
// процессоров реестра.
type MessageProcessor interface {
	Transport() string
	ListeningPoint() Hop
	ChannelFor(host string, port int) (MessageChannel, error)
}

// Options зависимости стека, которые не являются конфигурацией.
type Options struct {
	Router   Router
	Listener EventListener
	// Registerer для метрик; nil означает prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// Stack реестр диалогов и транзакций: конкурентные индексы, входная
// диспетчеризация, клапаны, сброс нагрузки, аудитор утечек.
//
// Реестр единственный владелец транзакций и диалогов; перекрестные
// ссылки хранятся как ключи, а не указатели.
type Stack struct {
	cfg      Config
	log      zerolog.Logger
	ids      *IDGenerator
	metrics  *Metrics
	router   Router
	listener EventListener

	exec  *executor.Executor
	sched *executor.Scheduler

	procMu     sync.RWMutex
	processors map[string]MessageProcessor

	valveMu sync.RWMutex
	valves  []MessageValve

	dialogs      *core.ShardedMap[*dialog.Dialog]
	earlyDialogs *core.ShardedMap[*dialog.Dialog]
	dialogMerge  *core.ShardedMap[*dialog.Dialog]

	clientTxs            *transaction.Store[transaction.Transaction]
	serverTxs            *transaction.Store[transaction.Transaction]
	mergeTxs             *transaction.Store[*transaction.ServerInvite]
	pendingServerTxs     *transaction.Store[transaction.Transaction]
	terminatedPendingAck *transaction.Store[*transaction.ServerInvite]

	closed atomic.Bool
}

type nopListener struct{}

func (nopListener) OnRequest(*sip.Request, transaction.Transaction, MessageChannel) {}
func (nopListener) OnResponse(*sip.Response, transaction.Transaction)               {}
func (nopListener) OnDialogTerminated(core.DialogKey)                               {}
func (nopListener) OnTransactionTerminated(string, sip.RequestMethod, transaction.Role) {
}
func (nopListener) OnIOException(*core.TransportError)            {}
func (nopListener) OnDialogError(core.DialogKey, dialog.ErrorCode) {}

// New создает стек. Слушатель nil допустим: события молча
// отбрасываются, полезно в тестах нижних слоев.
func New(cfg Config, opts Options) *Stack {
	log := opts.Logger.With().Str("component", "stack").Logger()
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}
	s := &Stack{
		cfg:      cfg,
		log:      log,
		ids:      NewIDGenerator(),
		metrics:  NewMetrics(opts.Registerer),
		router:   opts.Router,
		listener: listener,

		exec:  executor.New(executor.DefaultConfig(), opts.Logger),
		sched: executor.NewScheduler(opts.Logger),

		processors: make(map[string]MessageProcessor),

		dialogs:      core.NewShardedMap[*dialog.Dialog](),
		earlyDialogs: core.NewShardedMap[*dialog.Dialog](),
		dialogMerge:  core.NewShardedMap[*dialog.Dialog](),

		clientTxs:            transaction.NewStore[transaction.Transaction](),
		serverTxs:            transaction.NewStore[transaction.Transaction](),
		mergeTxs:             transaction.NewStore[*transaction.ServerInvite](),
		pendingServerTxs:     transaction.NewStore[transaction.Transaction](),
		terminatedPendingAck: transaction.NewStore[*transaction.ServerInvite](),
	}
	if cfg.AuditorInterval > 0 {
		s.scheduleAudit(nil)
	}
	return s
}

// Shutdown останавливает таймеры и воркеров. Диалоги и транзакции не
// завершаются: стек гасится вместе с процессом.
func (s *Stack) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.sched.Shutdown()
	s.exec.Shutdown()
}

// NewCallID новый Call-ID для исходящего диалогообразующего запроса.
func (s *Stack) NewCallID() string { return s.ids.CallID() }

// NewTag новый локальный тег.
func (s *Stack) NewTag() string { return s.ids.Tag() }

// RegisterProcessor добавляет процессор транспорта. Повторная
// регистрация транспорта замещает предыдущий процессор.
func (s *Stack) RegisterProcessor(p MessageProcessor) {
	s.procMu.Lock()
	s.processors[strings.ToUpper(p.Transport())] = p
	s.procMu.Unlock()
}

// ListeningPoint локальная точка для транспорта, если есть.
func (s *Stack) ListeningPoint(transport string) (Hop, bool) {
	s.procMu.RLock()
	p, ok := s.processors[strings.ToUpper(transport)]
	s.procMu.RUnlock()
	if !ok {
		return Hop{}, false
	}
	return p.ListeningPoint(), true
}

// AddMessageValve регистрирует клапан входящих запросов. Клапаны
// вызываются в порядке регистрации до первого вето.
func (s *Stack) AddMessageValve(v MessageValve) {
	s.valveMu.Lock()
	s.valves = append(s.valves, v)
	s.valveMu.Unlock()
}

// Send реализует dialog.Sender: разрешает следующий хоп и отправляет
// через процессор транспорта. Ответы уходят по верхнему Via.
func (s *Stack) Send(msg sip.Message) error {
	var hop Hop
	switch m := msg.(type) {
	case *sip.Request:
		if s.router == nil {
			return errors.New("no router configured for outbound request")
		}
		h, err := s.router.NextHop(m)
		if err != nil {
			return fmt.Errorf("resolve next hop: %w", err)
		}
		hop = h
	case *sip.Response:
		via := m.Via()
		if via == nil {
			return &core.ProtocolError{Reason: "response without Via"}
		}
		hop = Hop{Host: via.Host, Port: via.Port, Transport: via.Transport}
	default:
		return fmt.Errorf("unsupported message type %T", msg)
	}

	s.procMu.RLock()
	p, ok := s.processors[strings.ToUpper(hop.Transport)]
	s.procMu.RUnlock()
	if !ok {
		return core.ErrUnknownTransport
	}
	ch, err := p.ChannelFor(hop.Host, hop.Port)
	if err != nil {
		terr := &core.TransportError{
			Reason:     core.TransportConnectionError,
			RemoteAddr: fmt.Sprintf("%s:%d", hop.Host, hop.Port),
			Transport:  hop.Transport,
			Err:        err,
		}
		s.listener.OnIOException(terr)
		return terr
	}
	if err := ch.Send(msg); err != nil {
		terr := channelError(err, ch)
		s.listener.OnIOException(terr)
		return terr
	}
	return nil
}

func channelError(err error, ch MessageChannel) *core.TransportError {
	var terr *core.TransportError
	if errors.As(err, &terr) {
		return terr
	}
	return &core.TransportError{
		Reason:     core.TransportSendFailure,
		LocalAddr:  ch.LocalAddr(),
		RemoteAddr: ch.RemoteAddr(),
		Transport:  ch.Transport(),
		Err:        err,
	}
}

// --- Диалоги -----------------------------------------------------------

// NewClientDialog создает клиентский диалог из исходящего
// диалогообразующего запроса и регистрирует его в реестре.
func (s *Stack) NewClientDialog(req *sip.Request, localContact sip.Uri) (*dialog.Dialog, error) {
	d, err := dialog.NewUAC(req, localContact, s.cfg.dialogSettings(), s, s.sched, s.exec, s.log)
	if err != nil {
		return nil, err
	}
	s.attachDialog(d)
	s.PutDialog(d)
	return d, nil
}

// NewServerDialog создает серверный диалог из входящего
// диалогообразующего запроса. Локальный тег генерируется стеком.
func (s *Stack) NewServerDialog(req *sip.Request, localContact sip.Uri) (*dialog.Dialog, error) {
	d, err := dialog.NewUAS(req, s.ids.Tag(), localContact, s.cfg.dialogSettings(), s, s.sched, s.exec, s.log)
	if err != nil {
		return nil, err
	}
	s.attachDialog(d)
	if incumbent, inserted := s.PutDialog(d); !inserted {
		return incumbent, nil
	}
	return d, nil
}

// attachDialog подключает клей жизненного цикла. Вызывается ровно один
// раз на диалог, до помещения в индексы.
func (s *Stack) attachDialog(d *dialog.Dialog) {
	s.metrics.dialogsActive.Inc()
	d.OnStateChange(func(old, new dialog.State) {
		s.metrics.dialogTransitions.WithLabelValues(new.String()).Inc()
	})
	d.OnError(func(code dialog.ErrorCode) {
		s.listener.OnDialogError(d.Key(), code)
	})
	d.OnTransportError(func(err error) {
		var terr *core.TransportError
		if !errors.As(err, &terr) {
			terr = &core.TransportError{Reason: core.TransportSendFailure, Err: err}
		}
		s.listener.OnIOException(terr)
	})
	d.OnLingerExpired(func(d *dialog.Dialog) {
		s.RemoveDialog(d)
	})
}

// PutDialog вставляет диалог в индексы. Под занятым ключом вставка не
// происходит: возвращается действующий диалог и false. Серверные
// диалоги дополнительно попадают в merge-индекс.
func (s *Stack) PutDialog(d *dialog.Dialog) (*dialog.Dialog, bool) {
	key := d.Key()
	if key.IsComplete() {
		if actual, loaded := s.dialogs.PutIfAbsent(key.String(), d); loaded && actual != d {
			return actual, false
		}
	}
	s.earlyDialogs.PutIfAbsent(key.EarlyKey().String(), d)
	if d.IsServer() {
		if mergeID := d.MergeID(); mergeID != "" {
			s.dialogMerge.PutIfAbsent(mergeID, d)
		}
	}
	return d, true
}

// RemoveDialog удаляет диалог из всех индексов и доставляет
// DialogTerminated ровно один раз.
func (s *Stack) RemoveDialog(d *dialog.Dialog) {
	key := d.Key()
	s.deleteDialogKey(key.String(), d)
	s.deleteDialogKey(key.EarlyKey().String(), d)
	if mergeID := d.MergeID(); mergeID != "" {
		if cur, ok := s.dialogMerge.Get(mergeID); ok && cur == d {
			s.dialogMerge.Delete(mergeID)
		}
	}
	if d.ClaimTerminatedEvent() {
		s.metrics.dialogsActive.Dec()
		s.listener.OnDialogTerminated(key)
	}
}

// deleteDialogKey удаляет запись индекса только если она указывает на
// тот же диалог: при переназначении ключа под старым ключом может уже
// жить другой диалог.
func (s *Stack) deleteDialogKey(key string, d *dialog.Dialog) {
	if key == "" {
		return
	}
	if cur, ok := s.dialogs.Get(key); ok && cur == d {
		s.dialogs.Delete(key)
	}
	if cur, ok := s.earlyDialogs.Get(key); ok && cur == d {
		s.earlyDialogs.Delete(key)
	}
}

// FindDialog ищет диалог по полному ключу, затем по раннему.
func (s *Stack) FindDialog(key core.DialogKey) (*dialog.Dialog, bool) {
	if d, ok := s.dialogs.Get(key.String()); ok {
		return d, true
	}
	return s.earlyDialogs.Get(key.EarlyKey().String())
}

// reindexDialog переносит диалог под новый ключ после переназначения
// удаленного тега в EARLY.
func (s *Stack) reindexDialog(d *dialog.Dialog, oldKey core.DialogKey) {
	if cur, ok := s.dialogs.Get(oldKey.String()); ok && cur == d {
		s.dialogs.Delete(oldKey.String())
	}
	s.PutDialog(d)
}

// DialogCount число диалогов под полными ключами.
func (s *Stack) DialogCount() int { return s.dialogs.Count() }

// --- Транзакции --------------------------------------------------------

// txKey ключ транзакции в индексах. CANCEL разделяет branch с
// отменяемым INVITE, поэтому живет под отдельным ключом.
func txKey(msg sip.Message) string {
	id := core.TransactionID(msg)
	method := sip.RequestMethod("")
	switch m := msg.(type) {
	case *sip.Request:
		method = m.Method
	case *sip.Response:
		if cseq := m.CSeq(); cseq != nil {
			method = cseq.MethodName
		}
	}
	if core.MethodEquals(method, sip.CANCEL) {
		return id + ":cancel"
	}
	return id
}

// NewClientTransaction создает и регистрирует клиентскую транзакцию.
// Запускает ее вызывающий: диалоги делают это через исполнитель,
// сохраняя порядок отправки.
func (s *Stack) NewClientTransaction(req *sip.Request, ch MessageChannel) (transaction.Transaction, error) {
	if core.BranchID(req) == "" {
		return nil, &core.ProtocolError{Reason: "request without Via branch"}
	}
	key := txKey(req)
	timers := s.cfg.timerSet(false)
	var tx transaction.Transaction
	invite := core.MethodEquals(req.Method, sip.INVITE)
	if invite {
		tx = transaction.NewClientInvite(req, ch, timers, s.sched, s.log)
	} else {
		tx = transaction.NewClientNonInvite(req, ch, timers, s.sched, s.log)
	}
	if !s.clientTxs.Add(key, tx) {
		tx.Terminate()
		return nil, &core.ProtocolError{Reason: "duplicate client transaction " + key}
	}
	s.hookTransaction(tx, key, s.clientTxs)
	s.startMaxLifetime(tx, invite)
	s.updateTxGauge()
	return tx, nil
}

// NewServerRequest пропускает запрос через клапаны, сопоставляет его с
// существующей серверной транзакцией (по branch, с откатом на полное
// сопоставление RFC 2543) и при отсутствии создает новую. Возвращает
// nil, если запрос поглощен ретрансмиссией, отброшен клапаном или
// сброшен под нагрузкой.
func (s *Stack) NewServerRequest(req *sip.Request, ch MessageChannel) transaction.Transaction {
	s.valveMu.RLock()
	valves := s.valves
	s.valveMu.RUnlock()
	for _, v := range valves {
		if !v.ProcessRequest(req, ch) {
			s.metrics.droppedByValve.Inc()
			s.log.Debug().Str("method", string(req.Method)).Msg("request vetoed by valve")
			return nil
		}
	}

	key := txKey(req)
	if tx, ok := s.serverTxs.Get(key); ok {
		switch t := tx.(type) {
		case *transaction.ServerInvite:
			t.HandleRequest(req)
		case *transaction.ServerNonInvite:
			t.HandleRequest(req)
		}
		return nil
	}

	if s.shedServerRequest() {
		s.metrics.droppedByShed.Inc()
		s.log.Warn().Str("method", string(req.Method)).
			Int("server_txs", s.serverTxs.Count()).Msg("request dropped by load shedding")
		return nil
	}

	timers := s.cfg.timerSet(false)
	invite := core.MethodEquals(req.Method, sip.INVITE)
	var tx transaction.Transaction
	if invite {
		sit := transaction.NewServerInvite(req, ch, timers, s.sched, s.log)
		if mergeID := sit.MergeID(); mergeID != "" {
			s.mergeTxs.Add(mergeID, sit)
		}
		tx = sit
	} else {
		tx = transaction.NewServerNonInvite(req, ch, timers, s.sched, s.log)
	}
	if !s.serverTxs.Add(key, tx) {
		tx.Terminate()
		return nil
	}
	s.pendingServerTxs.Add(key, tx)
	s.hookTransaction(tx, key, s.serverTxs)
	s.startMaxLifetime(tx, invite)
	s.updateTxGauge()
	return tx
}

// NewServerResponse сопоставляет входящий ответ с клиентской
// транзакцией. nil означает ответ без транзакции (поздний 2xx или
// чужой branch).
func (s *Stack) NewServerResponse(res *sip.Response, _ MessageChannel) transaction.Transaction {
	tx, ok := s.clientTxs.Get(txKey(res))
	if !ok {
		return nil
	}
	switch t := tx.(type) {
	case *transaction.ClientInvite:
		t.HandleResponse(res)
	case *transaction.ClientNonInvite:
		t.HandleResponse(res)
	}
	return tx
}

// SendResponse отправляет ответ через серверную транзакцию и проводит
// его через машину состояний диалога. Диалог nil допустим для ответов
// вне диалога.
func (s *Stack) SendResponse(d *dialog.Dialog, tx transaction.Transaction, res *sip.Response) error {
	var err error
	switch t := tx.(type) {
	case *transaction.ServerInvite:
		err = t.SendResponse(res)
	case *transaction.ServerNonInvite:
		err = t.SendResponse(res)
	default:
		return &core.ProtocolError{Reason: "response requires a server transaction"}
	}
	if err != nil {
		return err
	}
	if d != nil {
		oldKey, keyChanged := d.SetLastResponse(tx.Method(), res)
		if keyChanged {
			s.reindexDialog(d, oldKey)
		} else if d.Key().IsComplete() {
			s.PutDialog(d)
		}
	}
	return nil
}

// MapServerTransaction помечает серверную транзакцию как принятую
// приложением: она покидает таблицу ожидающих.
func (s *Stack) MapServerTransaction(tx transaction.Transaction) {
	s.pendingServerTxs.Remove(txKey(tx.Request()))
}

// hookTransaction подключает клей жизненного цикла транзакции.
func (s *Stack) hookTransaction(tx transaction.Transaction, key string, store *transaction.Store[transaction.Transaction]) {
	tx.OnStateChange(func(t transaction.Transaction, _, to transaction.State) {
		if to != transaction.StateTerminated {
			return
		}
		store.Remove(key)
		s.pendingServerTxs.Remove(key)
		if sit, ok := t.(*transaction.ServerInvite); ok {
			s.retireServerInvite(key, sit)
		}
		s.metrics.txTerminated.Inc()
		s.updateTxGauge()
		s.listener.OnTransactionTerminated(t.Branch(), t.Method(), t.Role())
	})
	tx.OnTransportError(func(t transaction.Transaction, err error) {
		var terr *core.TransportError
		if !errors.As(err, &terr) {
			terr = &core.TransportError{Reason: core.TransportSendFailure, Err: err}
		}
		s.listener.OnIOException(terr)
	})
}

// retireServerInvite держит серверный INVITE с отправленным 2xx
// доступным для поздних ACK в течение Timer H, затем снимает
// merge-запись.
func (s *Stack) retireServerInvite(key string, sit *transaction.ServerInvite) {
	if mergeID := sit.MergeID(); mergeID != "" {
		if cur, ok := s.mergeTxs.Get(mergeID); ok && cur == sit {
			s.mergeTxs.Remove(mergeID)
		}
	}
	if !sit.Sent2xx() {
		return
	}
	s.terminatedPendingAck.Add(key, sit)
	s.sched.Schedule("stack:pendingack:"+key, 64*s.cfg.BaseTimerInterval, func() {
		s.terminatedPendingAck.Remove(key)
	})
}

func (s *Stack) startMaxLifetime(tx transaction.Transaction, invite bool) {
	d := s.cfg.maxTxLifetime(invite)
	if d <= 0 {
		return
	}
	switch t := tx.(type) {
	case *transaction.ClientInvite:
		t.StartMaxLifetime(d)
	case *transaction.ClientNonInvite:
		t.StartMaxLifetime(d)
	case *transaction.ServerInvite:
		t.StartMaxLifetime(d)
	case *transaction.ServerNonInvite:
		t.StartMaxLifetime(d)
	}
}

func (s *Stack) updateTxGauge() {
	s.metrics.transactionsActive.Set(float64(s.clientTxs.Count() + s.serverTxs.Count()))
}

// shedServerRequest решает, сбросить ли новый запрос. Ниже нижней
// границы никогда, выше верхней всегда, между ними с вероятностью,
// линейно растущей с заполнением таблицы.
func (s *Stack) shedServerRequest() bool {
	high := s.cfg.LoadShedHighWaterMark
	if high <= 0 {
		return false
	}
	low := s.cfg.LoadShedLowWaterMark
	if low >= high {
		low = high - 1
	}
	n := s.serverTxs.Count()
	if n < low {
		return false
	}
	if n >= high {
		return true
	}
	return rand.Float64() < float64(n-low)/float64(high-low)
}

// --- Поиск по реестру --------------------------------------------------

// FindMergedTransaction детекция петли по RFC 3261 Section 8.2.2.2:
// true, если другой серверный INVITE или подтвержденный серверный
// диалог разделяет merge-идентификатор запроса. Вызывающий отвечает
// 482 Merged Request.
func (s *Stack) FindMergedTransaction(req *sip.Request) bool {
	if !core.MethodEquals(req.Method, sip.INVITE) {
		return false
	}
	mk, err := core.MergeKeyFromRequest(req)
	if err != nil {
		return false
	}
	branch := core.BranchID(req)
	if tx, ok := s.mergeTxs.Get(mk.String()); ok {
		if tx.Branch() != branch && !tx.IsTerminated() {
			return true
		}
	}
	if d, ok := s.dialogMerge.Get(mk.String()); ok {
		if d.State() == dialog.StateConfirmed && core.BranchID(req) != d.FirstTransaction().Branch {
			return true
		}
	}
	return false
}

// FindSubscribeTransaction сопоставляет NOTIFY с клиентской SUBSCRIBE
// транзакцией по RFC 3265 Section 7.2.1: равенство Call-ID, совпадение
// Event и from-tag подписки с to-tag уведомления. При нескольких
// кандидатах предпочитается транзакция, чей Contact совпадает с
// Request-URI уведомления и у которой уже есть диалог.
func (s *Stack) FindSubscribeTransaction(notify *sip.Request) (transaction.Transaction, bool) {
	callID := headerValue(notify.CallID())
	if callID == "" {
		return nil, false
	}
	notifyEvent := headerText(notify, "Event")
	remoteTag := ""
	if from := notify.From(); from != nil {
		remoteTag, _ = from.Params.Get("tag")
	}
	localTag := ""
	if to := notify.To(); to != nil {
		localTag, _ = to.Params.Get("tag")
	}

	var best transaction.Transaction
	bestScore := -1
	s.clientTxs.Range(func(_ string, tx transaction.Transaction) bool {
		if !core.MethodEquals(tx.Method(), sip.SUBSCRIBE) {
			return true
		}
		req := tx.Request()
		if headerValue(req.CallID()) != callID {
			return true
		}
		if !eventMatches(headerText(req, "Event"), notifyEvent) {
			return true
		}
		fromTag := ""
		if from := req.From(); from != nil {
			fromTag, _ = from.Params.Get("tag")
		}
		if !strings.EqualFold(fromTag, localTag) {
			return true
		}
		score := 0
		if contact := req.Contact(); contact != nil &&
			strings.EqualFold(contact.Address.Host, notify.Recipient.Host) &&
			contact.Address.Port == notify.Recipient.Port {
			score++
		}
		if _, ok := s.FindDialog(core.DialogKey{CallID: callID, LocalTag: fromTag, RemoteTag: remoteTag}); ok {
			score++
		}
		if score > bestScore {
			best, bestScore = tx, score
		}
		return true
	})
	return best, best != nil
}

// FindCancelledInvite ищет серверный INVITE, который отменяет CANCEL.
func (s *Stack) FindCancelledInvite(cancel *sip.Request) (*transaction.ServerInvite, bool) {
	tx, ok := s.serverTxs.Get(core.TransactionID(cancel))
	if !ok {
		return nil, false
	}
	sit, ok := tx.(*transaction.ServerInvite)
	if !ok || !sit.DoesCancelMatch(cancel) {
		return nil, false
	}
	return sit, true
}

func headerValue(h *sip.CallIDHeader) string {
	if h == nil {
		return ""
	}
	return h.Value()
}

func headerText(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

// eventMatches сравнивает заголовки Event: пакет события без учета
// регистра, параметр id буквально (RFC 3265 Section 7.2.1).
func eventMatches(a, b string) bool {
	pkgA, idA := splitEvent(a)
	pkgB, idB := splitEvent(b)
	return strings.EqualFold(pkgA, pkgB) && idA == idB
}

func splitEvent(v string) (pkg, id string) {
	parts := strings.Split(v, ";")
	pkg = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if rest, ok := strings.CutPrefix(p, "id="); ok {
			id = rest
		}
	}
	return pkg, id
}
