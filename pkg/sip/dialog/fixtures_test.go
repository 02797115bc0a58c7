package dialog

import (
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sipcore/pkg/sip/executor"
)

func newTestScheduler(t *testing.T) *executor.Scheduler {
	t.Helper()
	s := executor.NewScheduler(zerolog.Nop())
	t.Cleanup(s.Shutdown)
	return s
}

// mockSender записывает отправленные сообщения.
type mockSender struct {
	mu      sync.Mutex
	sent    []sip.Message
	sendErr error
}

func (m *mockSender) Send(msg sip.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockSender) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type inviteOpts struct {
	callID      string
	fromTag     string
	supportsRel bool
	recordRoute []string
}

func buildInvite(opts inviteOpts) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-dlg-fixture"),
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
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(contact)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	if opts.supportsRel {
		req.AppendHeader(sip.NewHeader("Supported", "100rel"))
	}
	for _, host := range opts.recordRoute {
		req.AppendHeader(&sip.RecordRouteHeader{
			Address: sip.Uri{Scheme: "sip", Host: host, UriParams: sip.NewParams().Add("lr", "")},
		})
	}
	return req
}

func newClientInvite(callID string) *sip.Request {
	return buildInvite(inviteOpts{callID: callID, fromTag: "uac-tag-1"})
}

type responseOpts struct {
	toTag       string
	contactHost string
	recordRoute []string
	rseq        string
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
	for _, host := range opts.recordRoute {
		res.AppendHeader(&sip.RecordRouteHeader{
			Address: sip.Uri{Scheme: "sip", Host: host, UriParams: sip.NewParams().Add("lr", "")},
		})
	}
	if opts.rseq != "" {
		res.AppendHeader(sip.NewHeader("RSeq", opts.rseq))
	}
	return res
}

func newUACDialog(t *testing.T, callID string) (*Dialog, *mockSender) {
	t.Helper()
	sender := &mockSender{}
	d, err := NewUAC(
		newClientInvite(callID),
		sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060},
		DefaultSettings(),
		sender,
		newTestScheduler(t),
		nil,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("NewUAC: %v", err)
	}
	return d, sender
}

func newUASDialog(t *testing.T, req *sip.Request) (*Dialog, *mockSender) {
	t.Helper()
	sender := &mockSender{}
	d, err := NewUAS(
		req,
		"uas-tag-1",
		sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com", Port: 5080},
		DefaultSettings(),
		sender,
		newTestScheduler(t),
		nil,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("NewUAS: %v", err)
	}
	return d, sender
}
