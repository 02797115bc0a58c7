package dialog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// forkFingerprints хранит отпечатки уже виденных ответов, чтобы
// отличать ретрансмиссии от новых ответов при форкинге. Один INVITE
// может породить ответы от нескольких ветвей; отпечаток строится из
// статуса, CSeq, метода, SDP origin и RSeq, а не из branch.
type forkFingerprints struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newForkFingerprints() *forkFingerprints {
	return &forkFingerprints{seen: make(map[string]struct{})}
}

// markSeen регистрирует отпечаток. Возвращает true, если отпечаток
// уже встречался (ответ является ретрансмиссией).
func (f *forkFingerprints) markSeen(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[fp]; dup {
		return true
	}
	f.seen[fp] = struct{}{}
	return false
}

// fingerprintResponse вычисляет составной отпечаток ответа:
// status/cseq/method, затем SDP origin (session id и version из o=)
// при наличии тела SDP и RSeq для надежных предварительных ответов.
func fingerprintResponse(res *sip.Response) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d", res.StatusCode)
	if cseq := res.CSeq(); cseq != nil {
		fmt.Fprintf(&b, "/%d/%s", cseq.SeqNo, strings.ToUpper(string(cseq.MethodName)))
	}

	if origin, ok := sdpOrigin(res); ok {
		fmt.Fprintf(&b, "/sdp:%d.%d", origin.SessionID, origin.SessionVersion)
	}

	if rseq := res.GetHeader("RSeq"); rseq != nil {
		fmt.Fprintf(&b, "/rseq:%s", strings.TrimSpace(rseq.Value()))
	}

	return b.String()
}

// sdpOrigin извлекает o= строку из тела SDP ответа.
func sdpOrigin(res *sip.Response) (sdp.Origin, bool) {
	body := res.Body()
	if len(body) == 0 {
		return sdp.Origin{}, false
	}
	ct := res.ContentType()
	if ct == nil || !strings.EqualFold(ct.Value(), "application/sdp") {
		return sdp.Origin{}, false
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return sdp.Origin{}, false
	}
	return desc.Origin, true
}
