package dialog

import (
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// RouteSet упорядоченный список прокси, выученный из Record-Route.
//
// RFC 3261 Section 12.1.1: UAC строит route set из Record-Route ответа
// в обратном порядке. Section 12.1.2: UAS сохраняет порядок запроса.
// После перехода в CONFIRMED route set заморожен (исключение для
// 202-SUBSCRIBE обрабатывает владелец-диалог).
type RouteSet struct {
	routes []sip.Uri
}

// NewRouteSet создает пустой route set.
func NewRouteSet() *RouteSet {
	return &RouteSet{}
}

// RouteSetFromResponse строит route set UAC: Record-Route в обратном
// порядке. Строгие маршруты (без параметра lr) принимаются, но
// логируются предупреждением.
func RouteSetFromResponse(res *sip.Response, log zerolog.Logger) *RouteSet {
	uris := recordRouteURIs(res)
	reversed := make([]sip.Uri, 0, len(uris))
	for i := len(uris) - 1; i >= 0; i-- {
		reversed = append(reversed, uris[i])
	}
	rs := &RouteSet{routes: reversed}
	rs.warnStrict(log)
	return rs
}

// RouteSetFromRequest строит route set UAS: Record-Route в прямом
// порядке.
func RouteSetFromRequest(req *sip.Request, log zerolog.Logger) *RouteSet {
	rs := &RouteSet{routes: recordRouteURIs(req)}
	rs.warnStrict(log)
	return rs
}

func (rs *RouteSet) warnStrict(log zerolog.Logger) {
	for _, u := range rs.routes {
		if _, loose := u.UriParams.Get("lr"); !loose {
			log.Warn().Str("route", u.String()).
				Msg("route set contains strict router without lr parameter")
		}
	}
}

// recordRouteURIs собирает URI Record-Route заголовков в порядке их
// следования: из каждого заголовка берется его Address.
func recordRouteURIs(msg sip.Message) []sip.Uri {
	headers := msg.GetHeaders("Record-Route")
	if len(headers) == 0 {
		return nil
	}
	uris := make([]sip.Uri, 0, len(headers))
	for _, h := range headers {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		uris = append(uris, rr.Address)
	}
	return uris
}

// IsEmpty сообщает, пуст ли route set.
func (rs *RouteSet) IsEmpty() bool { return len(rs.routes) == 0 }

// Len возвращает число маршрутов.
func (rs *RouteSet) Len() int { return len(rs.routes) }

// URIs возвращает копию маршрутов в порядке следования.
func (rs *RouteSet) URIs() []sip.Uri {
	out := make([]sip.Uri, len(rs.routes))
	copy(out, rs.routes)
	return out
}

// Clone возвращает независимую копию.
func (rs *RouteSet) Clone() *RouteSet {
	return &RouteSet{routes: rs.URIs()}
}

// ApplyToRequest формирует Request-URI и Route заголовки исходящего
// запроса по RFC 3261 Section 12.2.1.1:
//   - пустой route set: Request-URI = remote target, без Route;
//   - первый маршрут loose (lr): Request-URI = remote target,
//     Route повторяет route set;
//   - первый маршрут строгий: Request-URI = первый маршрут, Route =
//     остальные маршруты, remote target добавляется последним Route.
func (rs *RouteSet) ApplyToRequest(req *sip.Request, remoteTarget sip.Uri) {
	if len(rs.routes) == 0 {
		req.Recipient = remoteTarget
		return
	}

	first := rs.routes[0]
	if _, loose := first.UriParams.Get("lr"); loose {
		req.Recipient = remoteTarget
		for _, u := range rs.routes {
			req.AppendHeader(&sip.RouteHeader{Address: u})
		}
		return
	}

	req.Recipient = first
	for _, u := range rs.routes[1:] {
		req.AppendHeader(&sip.RouteHeader{Address: u})
	}
	req.AppendHeader(&sip.RouteHeader{Address: remoteTarget})
}
