package dialog

import (
	"math"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipcore/pkg/sip/core"
)

// unseen отмечает еще не наблюдавшийся CSeq.
const unseen = -1

// Sequence ведет CSeq счетчики диалога.
//
// RFC 3261 Section 12.2.1.1: локальный CSeq строго растет для каждого
// нового запроса. Section 12.2.2: удаленный CSeq должен расти, кроме
// ретрансмиссий и ACK/CANCEL, которые несут CSeq исходного запроса.
// На проводе CSeq 32-битный беззнаковый; внутри int64, чтобы -1
// означал "еще не наблюдался".
type Sequence struct {
	mu         sync.Mutex
	local      int64
	remote     int64
	inviteCSeq int64 // CSeq исходного INVITE, нужен для ACK
}

// NewSequence создает счетчики с начальным локальным значением.
// initial=0 допустимо: первый NextLocal вернет 1.
func NewSequence(initial uint32) *Sequence {
	return &Sequence{
		local:      int64(initial),
		remote:     unseen,
		inviteCSeq: unseen,
	}
}

// NextLocal возвращает следующий локальный CSeq.
// Возвращает ErrCSeqExhausted при достижении 2^32-1.
func (s *Sequence) NextLocal() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local+1 >= math.MaxUint32 {
		return 0, core.ErrCSeqExhausted
	}
	s.local++
	return uint32(s.local), nil
}

// Local возвращает текущий локальный CSeq без инкремента.
func (s *Sequence) Local() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Remote возвращает последний принятый удаленный CSeq, unseen если
// удаленная сторона еще не слала запросов.
func (s *Sequence) Remote() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// ValidateRemote проверяет CSeq входящего запроса и при успехе
// фиксирует его как последний принятый.
func (s *Sequence) ValidateRemote(cseq uint32, method sip.RequestMethod) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(cseq)

	// ACK и CANCEL несут CSeq исходного запроса.
	if method == sip.ACK || method == sip.CANCEL {
		return n == s.inviteCSeq || n == s.remote
	}

	// Первый запрос от удаленной стороны.
	if s.remote == unseen {
		s.remote = n
		return true
	}

	// Ретрансмиссия.
	if n == s.remote {
		return true
	}

	if n > s.remote {
		s.remote = n
		return true
	}
	return false
}

// SetInvite сохраняет CSeq диалогообразующего INVITE для сопоставления
// последующих ACK.
func (s *Sequence) SetInvite(cseq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inviteCSeq = int64(cseq)
}

// Invite возвращает сохраненный CSeq INVITE, unseen если не задан.
func (s *Sequence) Invite() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviteCSeq
}
