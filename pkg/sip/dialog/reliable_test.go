package dialog

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responseRSeq(t *testing.T, res *sip.Response) uint32 {
	t.Helper()
	h := res.GetHeader("RSeq")
	require.NotNil(t, h)
	n, err := strconv.ParseUint(strings.TrimSpace(h.Value()), 10, 32)
	require.NoError(t, err)
	return uint32(n)
}

func buildPrack(rseq, cseq uint32, method sip.RequestMethod) *sip.Request {
	prack := sip.NewRequest("PRACK", sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"})
	prack.AppendHeader(sip.NewHeader("RAck", fmt.Sprintf("%d %d %s", rseq, cseq, method)))
	return prack
}

func TestReliableProvisionalLifecycle(t *testing.T) {
	req := buildInvite(inviteOpts{callID: "call-rel-1", fromTag: "uac-tag-1", supportsRel: true})
	d, sender := newUASDialog(t, req)

	res, err := d.CreateReliableProvisionalResponse(183)
	require.NoError(t, err)
	assert.Equal(t, 183, res.StatusCode)

	reqH := res.GetHeader("Require")
	require.NotNil(t, reqH)
	assert.Equal(t, "100rel", reqH.Value())

	rseq := responseRSeq(t, res)
	assert.NotZero(t, rseq)

	require.NoError(t, d.SendReliableProvisionalResponse(res))
	assert.Equal(t, 1, sender.sentCount())

	// Следующий надежный 1xx запрещен до PRACK.
	res2, err := d.CreateReliableProvisionalResponse(180)
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendReliableProvisionalResponse(res2), ErrReliablePending)

	// RSeq растет на единицу для каждого нового 1xx.
	assert.Equal(t, rseq+1, responseRSeq(t, res2))

	assert.False(t, d.HandlePrack(buildPrack(rseq+5, 1, sip.INVITE)), "PRACK с чужим RSeq не совпадает")
	assert.True(t, d.HandlePrack(buildPrack(rseq, 1, sip.INVITE)))
	assert.False(t, d.HandlePrack(buildPrack(rseq, 1, sip.INVITE)), "повторный PRACK не совпадает")
}

func TestReliableProvisionalRequires100rel(t *testing.T) {
	req := buildInvite(inviteOpts{callID: "call-rel-2", fromTag: "uac-tag-1"})
	d, _ := newUASDialog(t, req)

	_, err := d.CreateReliableProvisionalResponse(183)
	assert.ErrorIs(t, err, ErrRelNotSupported)
}

func TestReliableProvisionalClientSideForbidden(t *testing.T) {
	d, _ := newUACDialog(t, "call-rel-3")
	_, err := d.CreateReliableProvisionalResponse(183)
	assert.ErrorIs(t, err, ErrNotServerDialog)
}

func TestReliableProvisionalStatusRange(t *testing.T) {
	req := buildInvite(inviteOpts{callID: "call-rel-4", fromTag: "uac-tag-1", supportsRel: true})
	d, _ := newUASDialog(t, req)

	_, err := d.CreateReliableProvisionalResponse(100)
	assert.Error(t, err, "100 Trying не бывает надежным")
	_, err = d.CreateReliableProvisionalResponse(200)
	assert.Error(t, err)
}

func TestReliableRetransmissionUntilTimerH(t *testing.T) {
	set := DefaultSettings()
	set.T1 = 10 * time.Millisecond
	set.T2 = 20 * time.Millisecond
	set.TimerH = 60 * time.Millisecond

	req := buildInvite(inviteOpts{callID: "call-rel-5", fromTag: "uac-tag-1", supportsRel: true})
	sender := &mockSender{}
	d, err := NewUAS(req, "uas-tag-1",
		sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com", Port: 5080},
		set, sender, newTestScheduler(t), nil, zerolog.Nop())
	require.NoError(t, err)

	res, err := d.CreateReliableProvisionalResponse(183)
	require.NoError(t, err)
	rseq := responseRSeq(t, res)
	require.NoError(t, d.SendReliableProvisionalResponse(res))

	// Без PRACK ответ ретранслируется с интервалом T1, удваиваясь до T2.
	assert.Eventually(t, func() bool { return sender.sentCount() >= 2 },
		time.Second, 5*time.Millisecond)

	// После Timer H ретрансмиссия брошена и PRACK уже не совпадает.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, d.HandlePrack(buildPrack(rseq, 1, sip.INVITE)))
}

func TestCreatePrack(t *testing.T) {
	d, _ := newUACDialog(t, "call-prack-1")

	res := buildResponse(newClientInvite("call-prack-1"), 183, "Session Progress", responseOpts{
		toTag: "uas-1", rseq: "7",
	})
	d.SetLastResponse("", res)
	require.Equal(t, StateEarly, d.State())

	prack, err := d.CreatePrack(res)
	require.NoError(t, err)
	assert.Equal(t, sip.RequestMethod("PRACK"), prack.Method)

	rack := prack.GetHeader("RAck")
	require.NotNil(t, rack)
	assert.Equal(t, "7 1 INVITE", rack.Value(), "RAck: RSeq, затем CSeq ответа")

	cseq := prack.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, uint32(2), cseq.SeqNo, "PRACK занимает следующий локальный CSeq")
}

func TestCreatePrackRequiresRSeq(t *testing.T) {
	d, _ := newUACDialog(t, "call-prack-2")

	plain := buildResponse(newClientInvite("call-prack-2"), 183, "Session Progress", responseOpts{toTag: "uas-1"})
	_, err := d.CreatePrack(plain)
	assert.Error(t, err, "PRACK строится только на надежный 1xx")

	final := buildResponse(newClientInvite("call-prack-2"), 200, "OK", responseOpts{toTag: "uas-1", rseq: "7"})
	_, err = d.CreatePrack(final)
	assert.Error(t, err)
}

func TestHandlePrackMalformedRAck(t *testing.T) {
	req := buildInvite(inviteOpts{callID: "call-rel-6", fromTag: "uac-tag-1", supportsRel: true})
	d, _ := newUASDialog(t, req)

	res, err := d.CreateReliableProvisionalResponse(183)
	require.NoError(t, err)
	require.NoError(t, d.SendReliableProvisionalResponse(res))
	rseq := responseRSeq(t, res)

	noRack := sip.NewRequest("PRACK", sip.Uri{Scheme: "sip", Host: "b.example.com"})
	assert.False(t, d.HandlePrack(noRack))

	bad := sip.NewRequest("PRACK", sip.Uri{Scheme: "sip", Host: "b.example.com"})
	bad.AppendHeader(sip.NewHeader("RAck", "garbage"))
	assert.False(t, d.HandlePrack(bad))

	// Корректный PRACK после мусора все еще принимается.
	assert.True(t, d.HandlePrack(buildPrack(rseq, 1, sip.INVITE)))
}
