package transaction

import (
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipcore/pkg/sip/core"
)

func dialogKeyForTest(callID, localTag, remoteTag string) core.DialogKey {
	return core.DialogKey{CallID: callID, LocalTag: localTag, RemoteTag: remoteTag}
}

// mockTransport записывает отправленные сообщения.
type mockTransport struct {
	mu       sync.Mutex
	sent     []sip.Message
	reliable bool
	sendErr  error
}

func (m *mockTransport) Send(msg sip.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) IsReliable() bool { return m.reliable }

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) lastSent() sip.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func newTestRequest(method sip.RequestMethod, branch, callID string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})

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
		Params:  sip.NewParams().Add("tag", "from-tag-1"),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})

	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com", Port: 5060},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(contact)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	return req
}

func newTestResponse(req *sip.Request, code int, reason, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if toTag != "" {
		if to := res.To(); to != nil {
			to.Params = to.Params.Add("tag", toTag)
		}
	}
	return res
}
