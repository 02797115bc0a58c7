package dialog

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipcore/pkg/sip/core"
)

// Надежные предварительные ответы, RFC 3262. На диалоге может быть
// не больше одного неподтвержденного 1xx; следующий разрешен только
// после PRACK.

// pendingReliable неподтвержденный надежный 1xx.
type pendingReliable struct {
	response *sip.Response
	raw      []byte
	cseq     uint32
	method   sip.RequestMethod
	rseq     uint32
}

// initialRSeq возвращает стартовый RSeq в [1, 2^31-1] (RFC 3262 3).
func initialRSeq() uint32 {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 1
	}
	n := binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF
	if n == 0 {
		n = 1
	}
	return n
}

// supports100rel проверяет, что запрос декларирует 100rel в Supported
// или Require.
func supports100rel(req *sip.Request) bool {
	for _, name := range []string{"Supported", "Require"} {
		for _, h := range req.GetHeaders(name) {
			for _, opt := range strings.Split(h.Value(), ",") {
				if strings.EqualFold(strings.TrimSpace(opt), "100rel") {
					return true
				}
			}
		}
	}
	return false
}

func reasonPhrase(statusCode int) string {
	switch statusCode {
	case 180:
		return "Ringing"
	case 181:
		return "Call Is Being Forwarded"
	case 182:
		return "Queued"
	case 183:
		return "Session Progress"
	default:
		return "Provisional"
	}
}

// CreateReliableProvisionalResponse строит надежный 1xx на исходный
// INVITE. Допустимо только на серверной стороне, когда удаленная
// сторона декларировала 100rel.
func (d *Dialog) CreateReliableProvisionalResponse(statusCode int) (*sip.Response, error) {
	if !d.isServer {
		return nil, ErrNotServerDialog
	}
	if statusCode <= 100 || statusCode >= 200 {
		return nil, &core.ProtocolError{Reason: "reliable response must be 101-199"}
	}

	d.mu.Lock()
	req := d.originalRequest
	if req == nil || req.Method != sip.INVITE {
		d.mu.Unlock()
		return nil, &core.DialogStateError{Op: "CreateReliableProvisionalResponse", State: "no INVITE"}
	}
	if !supports100rel(req) {
		d.mu.Unlock()
		return nil, ErrRelNotSupported
	}
	if d.relRSeq == 0 {
		d.relRSeq = initialRSeq()
	} else {
		d.relRSeq++
	}
	rseq := d.relRSeq
	localTag := d.localTag
	d.mu.Unlock()

	res := sip.NewResponseFromRequest(req, statusCode, reasonPhrase(statusCode), nil)
	if to := res.To(); to != nil && localTag != "" {
		if _, has := to.Params.Get("tag"); !has {
			to.Params = to.Params.Add("tag", localTag)
		}
	}
	// RFC 3262 3: Record-Route исходного запроса копируется в 1xx.
	if len(res.GetHeaders("Record-Route")) == 0 {
		sip.CopyHeaders("Record-Route", req, res)
	}
	res.AppendHeader(sip.NewHeader("Require", "100rel"))
	res.AppendHeader(sip.NewHeader("RSeq", strconv.FormatUint(uint64(rseq), 10)))
	return res, nil
}

// SendReliableProvisionalResponse отправляет надежный 1xx и ведет его
// ретрансмиссию с интервалом T1, удваивающимся до T2, пока не придет
// PRACK или не истечет Timer H.
func (d *Dialog) SendReliableProvisionalResponse(res *sip.Response) error {
	cseqH := res.CSeq()
	if cseqH == nil {
		return &core.ProtocolError{Reason: "response without CSeq"}
	}
	rseqH := res.GetHeader("RSeq")
	if rseqH == nil {
		return &core.ProtocolError{Reason: "reliable response without RSeq"}
	}
	rseq64, err := strconv.ParseUint(strings.TrimSpace(rseqH.Value()), 10, 32)
	if err != nil {
		return &core.ProtocolError{Reason: "malformed RSeq"}
	}

	d.mu.Lock()
	if d.pendingRel != nil {
		d.mu.Unlock()
		return ErrReliablePending
	}
	if d.localTag == "" {
		if to := res.To(); to != nil {
			d.localTag, _ = to.Params.Get("tag")
		}
	}
	d.pendingRel = &pendingReliable{
		response: res,
		raw:      []byte(res.String()),
		cseq:     cseqH.SeqNo,
		method:   cseqH.MethodName,
		rseq:     uint32(rseq64),
	}
	d.mu.Unlock()

	if err := d.sender.Send(res); err != nil {
		d.notifyTransportError(err)
		return err
	}
	d.scheduleRelRetransmit(d.set.T1, 0)
	return nil
}

func (d *Dialog) scheduleRelRetransmit(interval, elapsed time.Duration) {
	if elapsed >= d.set.TimerH {
		// PRACK так и не пришел: ретрансмиссия прекращается.
		d.mu.Lock()
		d.pendingRel = nil
		d.mu.Unlock()
		d.log.Warn().Msg("reliable 1xx abandoned, no PRACK before Timer H")
		return
	}
	d.sched.Schedule(d.timerID("rel1xx"), interval, func() {
		d.mu.RLock()
		pending := d.pendingRel
		d.mu.RUnlock()
		if pending == nil || d.State() == StateTerminated {
			return
		}
		if err := d.sender.Send(pending.response); err != nil {
			d.log.Warn().Err(err).Msg("reliable 1xx retransmission failed")
		}
		next := interval * 2
		if next > d.set.T2 {
			next = d.set.T2
		}
		d.scheduleRelRetransmit(next, elapsed+interval)
	})
}

// HandlePrack сопоставляет PRACK с неподтвержденным 1xx по RAck
// (RFC 3262 7.2: "RSeq CSeq-num CSeq-method"). При совпадении
// останавливает ретрансмиссию и возвращает true; иначе false и PRACK
// отбрасывается верхним слоем.
func (d *Dialog) HandlePrack(req *sip.Request) bool {
	rackH := req.GetHeader("RAck")
	if rackH == nil {
		return false
	}
	fields := strings.Fields(rackH.Value())
	if len(fields) != 3 {
		return false
	}
	rseq, err1 := strconv.ParseUint(fields[0], 10, 32)
	cseq, err2 := strconv.ParseUint(fields[1], 10, 32)
	if err1 != nil || err2 != nil {
		return false
	}
	method := sip.RequestMethod(strings.ToUpper(fields[2]))

	d.mu.Lock()
	pending := d.pendingRel
	matches := pending != nil &&
		pending.rseq == uint32(rseq) &&
		pending.cseq == uint32(cseq) &&
		core.MethodEquals(pending.method, method)
	if matches {
		d.pendingRel = nil
	}
	d.mu.Unlock()

	if !matches {
		d.log.Warn().Str("rack", rackH.Value()).Msg("PRACK does not match pending 1xx")
		return false
	}
	d.sched.Cancel(d.timerID("rel1xx"))
	return true
}

// CreatePrack строит PRACK на надежный 1xx: RAck несет RSeq ответа,
// затем номер и метод его CSeq.
func (d *Dialog) CreatePrack(res *sip.Response) (*sip.Request, error) {
	if res.StatusCode <= 100 || res.StatusCode >= 200 {
		return nil, &core.ProtocolError{Reason: "PRACK acknowledges only 101-199"}
	}
	rseqH := res.GetHeader("RSeq")
	if rseqH == nil {
		return nil, &core.ProtocolError{Reason: "response without RSeq"}
	}
	cseqH := res.CSeq()
	if cseqH == nil {
		return nil, &core.ProtocolError{Reason: "response without CSeq"}
	}

	cseq, err := d.seq.NextLocal()
	if err != nil {
		return nil, err
	}
	prack := d.buildRequest("PRACK", cseq, d.ackTransport())
	rack := fmt.Sprintf("%s %d %s", strings.TrimSpace(rseqH.Value()), cseqH.SeqNo, cseqH.MethodName)
	prack.AppendHeader(sip.NewHeader("RAck", rack))
	return prack, nil
}
