package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteSetFromResponseReverses(t *testing.T) {
	req := newClientInvite("call-rs-1")
	res := buildResponse(req, 200, "OK", responseOpts{
		toTag:       "uas-1",
		recordRoute: []string{"p1.example.com", "p2.example.com", "p3.example.com"},
	})

	rs := RouteSetFromResponse(res, zerolog.Nop())
	uris := rs.URIs()
	require.Len(t, uris, 3)
	assert.Equal(t, "p3.example.com", uris[0].Host)
	assert.Equal(t, "p2.example.com", uris[1].Host)
	assert.Equal(t, "p1.example.com", uris[2].Host)
}

func TestRouteSetFromRequestKeepsOrder(t *testing.T) {
	req := buildInvite(inviteOpts{
		callID:      "call-rs-2",
		fromTag:     "uac-tag-1",
		recordRoute: []string{"p1.example.com", "p2.example.com"},
	})

	rs := RouteSetFromRequest(req, zerolog.Nop())
	uris := rs.URIs()
	require.Len(t, uris, 2)
	assert.Equal(t, "p1.example.com", uris[0].Host)
	assert.Equal(t, "p2.example.com", uris[1].Host)
}

func TestApplyToRequestEmptyRouteSet(t *testing.T) {
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "ua.b.example.com", Port: 5080}
	req := sip.NewRequest(sip.INFO, sip.Uri{})

	NewRouteSet().ApplyToRequest(req, target)
	assert.Equal(t, "ua.b.example.com", req.Recipient.Host)
	assert.Empty(t, req.GetHeaders("Route"))
}

func TestApplyToRequestLooseRouting(t *testing.T) {
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "ua.b.example.com", Port: 5080}
	rs := &RouteSet{routes: []sip.Uri{
		{Scheme: "sip", Host: "p1.example.com", UriParams: sip.NewParams().Add("lr", "")},
		{Scheme: "sip", Host: "p2.example.com", UriParams: sip.NewParams().Add("lr", "")},
	}}

	req := sip.NewRequest(sip.INFO, sip.Uri{})
	rs.ApplyToRequest(req, target)

	// Loose routing: Request-URI указывает на remote target.
	assert.Equal(t, "ua.b.example.com", req.Recipient.Host)
	routes := req.GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.Equal(t, "p1.example.com", routes[0].(*sip.RouteHeader).Address.Host)
	assert.Equal(t, "p2.example.com", routes[1].(*sip.RouteHeader).Address.Host)
}

func TestApplyToRequestStrictRouting(t *testing.T) {
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "ua.b.example.com", Port: 5080}
	rs := &RouteSet{routes: []sip.Uri{
		{Scheme: "sip", Host: "strict.example.com", UriParams: sip.NewParams()},
		{Scheme: "sip", Host: "p2.example.com", UriParams: sip.NewParams().Add("lr", "")},
	}}

	req := sip.NewRequest(sip.INFO, sip.Uri{})
	rs.ApplyToRequest(req, target)

	// Строгий первый маршрут становится Request-URI, цель уходит
	// последним Route (RFC 3261 Section 12.2.1.1).
	assert.Equal(t, "strict.example.com", req.Recipient.Host)
	routes := req.GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.Equal(t, "p2.example.com", routes[0].(*sip.RouteHeader).Address.Host)
	assert.Equal(t, "ua.b.example.com", routes[1].(*sip.RouteHeader).Address.Host)
}

func TestRouteSetCloneIndependent(t *testing.T) {
	rs := &RouteSet{routes: []sip.Uri{{Scheme: "sip", Host: "p1.example.com"}}}
	clone := rs.Clone()
	clone.routes[0].Host = "changed.example.com"
	assert.Equal(t, "p1.example.com", rs.routes[0].Host)
	assert.Equal(t, 1, rs.Len())
	assert.False(t, rs.IsEmpty())
}
