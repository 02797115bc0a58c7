package stack

import (
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/core"
	"github.com/arzzra/sipcore/pkg/sip/dialog"
	"github.com/arzzra/sipcore/pkg/sip/transaction"
)

// mockChannel канал транспорта, записывающий отправленное.
type mockChannel struct {
	mu       sync.Mutex
	sent     []sip.Message
	sendErr  error
	reliable bool
}

func (m *mockChannel) Send(msg sip.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChannel) LocalAddr() string  { return "10.0.0.1:5060" }
func (m *mockChannel) RemoteAddr() string { return "10.0.0.2:5060" }
func (m *mockChannel) Transport() string  { return "UDP" }
func (m *mockChannel) IsReliable() bool   { return m.reliable }

func (m *mockChannel) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// lastResponse последний отправленный ответ, nil если ответов не было.
func (m *mockChannel) lastResponse() *sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if res, ok := m.sent[i].(*sip.Response); ok {
			return res
		}
	}
	return nil
}

type recordedRequest struct {
	req *sip.Request
	tx  transaction.Transaction
}

// recListener записывает все события стека.
type recListener struct {
	mu         sync.Mutex
	requests   []recordedRequest
	responses  []*sip.Response
	dlgTerm    []core.DialogKey
	txTerm     []string
	ioErrors   []*core.TransportError
	dialogErrs []dialog.ErrorCode
}

func (l *recListener) OnRequest(req *sip.Request, tx transaction.Transaction, _ MessageChannel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, recordedRequest{req: req, tx: tx})
}

func (l *recListener) OnResponse(res *sip.Response, _ transaction.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses = append(l.responses, res)
}

func (l *recListener) OnDialogTerminated(key core.DialogKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dlgTerm = append(l.dlgTerm, key)
}

func (l *recListener) OnTransactionTerminated(branch string, _ sip.RequestMethod, _ transaction.Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txTerm = append(l.txTerm, branch)
}

func (l *recListener) OnIOException(err *core.TransportError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ioErrors = append(l.ioErrors, err)
}

func (l *recListener) OnDialogError(_ core.DialogKey, code dialog.ErrorCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialogErrs = append(l.dialogErrs, code)
}

func (l *recListener) requestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *recListener) responseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.responses)
}

func (l *recListener) dialogTerminatedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dlgTerm)
}

func (l *recListener) ioErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ioErrors)
}

func (l *recListener) lastRequest() recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[len(l.requests)-1]
}

// mockRouter возвращает фиксированный следующий хоп.
type mockRouter struct {
	hop Hop
	err error
}

func (m *mockRouter) NextHop(*sip.Request) (Hop, error) {
	if m.err != nil {
		return Hop{}, m.err
	}
	return m.hop, nil
}

// mockProcessor процессор одного транспорта поверх одного канала.
type mockProcessor struct {
	transport string
	point     Hop
	ch        *mockChannel
	chErr     error
}

func (m *mockProcessor) Transport() string   { return m.transport }
func (m *mockProcessor) ListeningPoint() Hop { return m.point }

func (m *mockProcessor) ChannelFor(string, int) (MessageChannel, error) {
	if m.chErr != nil {
		return nil, m.chErr
	}
	return m.ch, nil
}

// vetoValve отклоняет все запросы.
type vetoValve struct{}

func (vetoValve) ProcessRequest(*sip.Request, MessageChannel) bool { return false }

func newTestStack(t *testing.T, cfg Config) (*Stack, *recListener) {
	t.Helper()
	listener := &recListener{}
	s := New(cfg, Options{
		Router:     &mockRouter{hop: Hop{Host: "proxy.example.com", Port: 5060, Transport: "UDP"}},
		Listener:   listener,
		Registerer: prometheus.NewRegistry(),
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(s.Shutdown)
	return s, listener
}

type inviteOpts struct {
	callID  string
	fromTag string
	branch  string
	cseq    uint32
}

func buildInvite(opts inviteOpts) *sip.Request {
	if opts.branch == "" {
		opts.branch = "z9hG4bK-stack-fixture"
	}
	if opts.cseq == 0 {
		opts.cseq = 1
	}
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", opts.branch),
	}
	req.AppendHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"},
		Params:  sip.NewParams().Add("tag", opts.fromTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(opts.callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: opts.cseq, MethodName: sip.INVITE})

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(contact)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	return req
}

type responseOpts struct {
	toTag       string
	contactHost string
}

func buildResponse(req *sip.Request, code int, reason string, opts responseOpts) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if opts.toTag != "" {
		if to := res.To(); to != nil {
			to.Params = to.Params.Add("tag", opts.toTag)
		}
	}
	if opts.contactHost != "" {
		res.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: "bob", Host: opts.contactHost, Port: 5080},
			Params:  sip.NewParams(),
		})
	}
	return res
}

// buildAck строит ACK на 2xx: собственный branch, теги диалога,
// CSeq исходного INVITE с методом ACK.
func buildAck(invite *sip.Request, toTag, branch string) *sip.Request {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", branch),
	}
	ack.AppendHeader(via)
	ack.AppendHeader(sip.HeaderClone(invite.From()))

	to := &sip.ToHeader{
		Address: invite.To().Address,
		Params:  sip.NewParams().Add("tag", toTag),
	}
	ack.AppendHeader(to)

	ack.AppendHeader(sip.HeaderClone(invite.CallID()))
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	return ack
}

// buildCancel строит CANCEL с Via отменяемого INVITE.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.AppendHeader(sip.HeaderClone(invite.Via()))
	cancel.AppendHeader(sip.HeaderClone(invite.From()))
	cancel.AppendHeader(sip.HeaderClone(invite.To()))
	cancel.AppendHeader(sip.HeaderClone(invite.CallID()))
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	return cancel
}

func buildSubscribe(callID, fromTag, branch, event string) *sip.Request {
	req := sip.NewRequest(sip.SUBSCRIBE, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", branch),
	}
	req.AppendHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"},
		Params:  sip.NewParams().Add("tag", fromTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.SUBSCRIBE})

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Event", event))
	return req
}

// buildNotify строит NOTIFY в адрес подписчика: to-tag несет from-tag
// подписки, from-tag принадлежит нотификатору.
func buildNotify(callID, subscriberTag, notifierTag, event string) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "b.example.com",
		Port:            5080,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-ntf-"+notifierTag),
	}
	req.AppendHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"},
		Params:  sip.NewParams().Add("tag", notifierTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"},
		Params:  sip.NewParams().Add("tag", subscriberTag),
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY})
	req.AppendHeader(sip.NewHeader("Event", event))
	return req
}

func localContact() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060}
}

func serverContact() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com", Port: 5080}
}
