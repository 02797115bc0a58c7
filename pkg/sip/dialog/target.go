package dialog

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipcore/pkg/sip/core"
)

// Правила обновления remote target, RFC 3261 Section 12.2.1.2 и 12.2.2:
// target берется из первого Contact и обновляется target refresh
// методами. Route set при этом не трогается.

// contactURI извлекает URI первого Contact заголовка.
func contactURI(msg sip.Message) (sip.Uri, bool) {
	hs := msg.GetHeaders("Contact")
	if len(hs) == 0 {
		return sip.Uri{}, false
	}
	contact, ok := hs[0].(*sip.ContactHeader)
	if !ok {
		return sip.Uri{}, false
	}
	return contact.Address, true
}

// shouldRefreshTargetFromResponse сообщает, обновляет ли ответ remote
// target: 2xx на target refresh метод, предварительные кроме 100,
// редиректы 3xx.
func shouldRefreshTargetFromResponse(statusCode int, method sip.RequestMethod) bool {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return core.IsTargetRefresh(method)
	case statusCode > 100 && statusCode < 200:
		return true
	case statusCode >= 300 && statusCode < 400:
		return true
	default:
		return false
	}
}

// shouldRefreshTargetFromRequest сообщает, обновляет ли входящий
// запрос remote target.
func shouldRefreshTargetFromRequest(method sip.RequestMethod) bool {
	return core.IsTargetRefresh(method)
}
