package transaction

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipcore/pkg/sip/executor"
)

func newTestScheduler(t *testing.T) *executor.Scheduler {
	t.Helper()
	s := executor.NewScheduler(zerolog.Nop())
	t.Cleanup(s.Shutdown)
	return s
}

func TestClientInviteHappyPath(t *testing.T) {
	tp := &mockTransport{reliable: true}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.INVITE, "z9hG4bK-ict-1", "call-1@a.example.com")

	tx := NewClientInvite(req, tp, DefaultTimerSet(), sched, zerolog.Nop())
	require.NoError(t, tx.Start())
	assert.Equal(t, StateCalling, tx.State())
	assert.Equal(t, 1, tp.sentCount())

	// 180 переводит в Proceeding.
	ringing := newTestResponse(req, 180, "Ringing", "to-tag-1")
	assert.True(t, tx.HandleResponse(ringing))
	assert.Equal(t, StateProceeding, tx.State())

	// 2xx терминирует автомат немедленно: ACK строит диалог.
	ok := newTestResponse(req, 200, "OK", "to-tag-1")
	assert.True(t, tx.HandleResponse(ok))
	assert.Equal(t, StateTerminated, tx.State())
	assert.Equal(t, 1, tp.sentCount(), "автомат не должен отправлять ACK на 2xx")
}

func TestClientInviteRejectionSendsAck(t *testing.T) {
	// Ненадежный транспорт: Timer D держит автомат в Completed, где
	// ретрансмиссия отказа повторяет ACK.
	tp := &mockTransport{reliable: false}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.INVITE, "z9hG4bK-ict-2", "call-2@a.example.com")

	tx := NewClientInvite(req, tp, DefaultTimerSet(), sched, zerolog.Nop())
	require.NoError(t, tx.Start())

	busy := newTestResponse(req, 486, "Busy Here", "to-tag-1")
	assert.True(t, tx.HandleResponse(busy))

	require.Equal(t, 2, tp.sentCount(), "должен уйти ACK на отказ")
	ack, isReq := tp.lastSent().(*sip.Request)
	require.True(t, isReq)
	assert.Equal(t, sip.ACK, ack.Method)

	// ACK несет branch исходного INVITE (RFC 3261 17.1.1.3).
	via := ack.Via()
	require.NotNil(t, via)
	branch, _ := via.Params.Get("branch")
	assert.Equal(t, "z9hG4bK-ict-2", branch)

	cseq := ack.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, uint32(1), cseq.SeqNo)
	assert.Equal(t, sip.ACK, cseq.MethodName)

	// To скопирован из ответа вместе с тегом.
	toTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "to-tag-1", toTag)

	// Ретрансмиссия финального ответа повторяет ACK и не идет наверх.
	assert.False(t, tx.HandleResponse(busy))
	assert.Equal(t, 3, tp.sentCount())
}

func TestClientInviteRetransmitsOnUnreliableTransport(t *testing.T) {
	tp := &mockTransport{reliable: false}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.INVITE, "z9hG4bK-ict-3", "call-3@a.example.com")

	timers := TimerSetFromT1(10 * time.Millisecond)
	tx := NewClientInvite(req, tp, timers, sched, zerolog.Nop())
	require.NoError(t, tx.Start())

	// За 100ms при T1=10ms должно накопиться несколько ретрансмиссий.
	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(t, tp.sentCount(), 3)

	ringing := newTestResponse(req, 180, "Ringing", "to-tag-1")
	tx.HandleResponse(ringing)
	sentAfterProceeding := tp.sentCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sentAfterProceeding, tp.sentCount(), "в Proceeding ретрансмиссии INVITE прекращаются")
}

func TestClientInviteTimerBTimeout(t *testing.T) {
	tp := &mockTransport{reliable: true}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.INVITE, "z9hG4bK-ict-4", "call-4@a.example.com")

	timers := TimerSetFromT1(time.Millisecond)
	tx := NewClientInvite(req, tp, timers, sched, zerolog.Nop())

	timedOut := make(chan string, 1)
	tx.OnTimeout(func(_ Transaction, timer string) { timedOut <- timer })
	require.NoError(t, tx.Start())

	select {
	case timer := <-timedOut:
		assert.Equal(t, "B", timer)
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B не сработал")
	}
	assert.True(t, tx.IsTerminated())
}

func TestClientInviteForkAssociation(t *testing.T) {
	tp := &mockTransport{reliable: true}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.INVITE, "z9hG4bK-ict-5", "call-5@a.example.com")

	tx := NewClientInvite(req, tp, DefaultTimerSet(), sched, zerolog.Nop())

	assert.Equal(t, "call-5@a.example.com:from-tag-1", tx.ForkID())
	assert.Equal(t, "from-tag-1", tx.OriginalFromTag())
	require.NotNil(t, tx.OriginalContact())

	_, ok := tx.DefaultDialog()
	assert.False(t, ok)

	key1 := dialogKeyForTest("call-5@a.example.com", "from-tag-1", "peer-a")
	key2 := dialogKeyForTest("call-5@a.example.com", "from-tag-1", "peer-b")
	tx.AssociateDialog("peer-a", key1)
	tx.AssociateDialog("peer-b", key2)

	def, ok := tx.DefaultDialog()
	require.True(t, ok)
	assert.Equal(t, key1, def, "первый remote tag фиксирует основной диалог")

	got, ok := tx.DialogForTag("peer-b")
	require.True(t, ok)
	assert.Equal(t, key2, got)
}

func TestClientNonInviteLifecycle(t *testing.T) {
	tp := &mockTransport{reliable: true}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.BYE, "z9hG4bK-nict-1", "call-6@a.example.com")

	tx := NewClientNonInvite(req, tp, DefaultTimerSet(), sched, zerolog.Nop())
	require.NoError(t, tx.Start())
	assert.Equal(t, StateTrying, tx.State())

	ok := newTestResponse(req, 200, "OK", "to-tag-1")
	assert.True(t, tx.HandleResponse(ok))
	// Надежный транспорт: K=0, автомат терминируется сразу.
	assert.True(t, tx.IsTerminated())

	// Ретрансмиссия ответа в Terminated поглощается.
	assert.False(t, tx.HandleResponse(ok))
}

func TestClientNonInviteTimerFTimeout(t *testing.T) {
	tp := &mockTransport{reliable: true}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.OPTIONS, "z9hG4bK-nict-2", "call-7@a.example.com")

	timers := TimerSetFromT1(time.Millisecond)
	tx := NewClientNonInvite(req, tp, timers, sched, zerolog.Nop())

	timedOut := make(chan string, 1)
	tx.OnTimeout(func(_ Transaction, timer string) { timedOut <- timer })
	require.NoError(t, tx.Start())

	select {
	case timer := <-timedOut:
		assert.Equal(t, "F", timer)
	case <-time.After(2 * time.Second):
		t.Fatal("Timer F не сработал")
	}
}

func TestClientTxMaxLifetime(t *testing.T) {
	tp := &mockTransport{reliable: true}
	sched := newTestScheduler(t)
	req := newTestRequest(sip.INVITE, "z9hG4bK-ict-6", "call-8@a.example.com")

	tx := NewClientInvite(req, tp, DefaultTimerSet(), sched, zerolog.Nop())
	timedOut := make(chan string, 1)
	tx.OnTimeout(func(_ Transaction, timer string) { timedOut <- timer })
	require.NoError(t, tx.Start())
	tx.StartMaxLifetime(10 * time.Millisecond)

	select {
	case timer := <-timedOut:
		assert.Equal(t, "life", timer)
	case <-time.After(2 * time.Second):
		t.Fatal("лимит времени жизни не сработал")
	}
	assert.True(t, tx.IsTerminated())
}
