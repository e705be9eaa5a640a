package wa

import (
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/LeventeLantos/whatsapp-gateway/internal/session"
)

const persistTimeout = 5 * time.Second

// translate maps whatsmeow client events onto session lifecycle events.
func translate(evt any) (session.Event, bool) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return session.Event{Kind: session.EventAuthenticated}, true
	case *events.Connected:
		return session.Event{Kind: session.EventReady}, true
	case *events.Disconnected:
		return session.Event{Kind: session.EventDisconnected, Reason: "connection lost"}, true
	case *events.StreamReplaced:
		return session.Event{Kind: session.EventDisconnected, Reason: "stream replaced"}, true
	case *events.LoggedOut:
		return session.Event{Kind: session.EventDisconnected, Reason: "logged out: " + e.Reason.String()}, true
	case *events.ConnectFailure:
		return session.Event{Kind: session.EventFailure, Reason: "connect failure: " + e.Reason.String()}, true
	case *events.TemporaryBan:
		return session.Event{Kind: session.EventFailure, Reason: e.String()}, true
	case *events.ClientOutdated:
		return session.Event{Kind: session.EventFailure, Reason: "client outdated"}, true
	case *events.PairError:
		return session.Event{Kind: session.EventFailure, Reason: "pairing failed: " + e.Error.Error()}, true
	}
	return session.Event{}, false
}

func translateQR(item whatsmeow.QRChannelItem) (session.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return session.Event{Kind: session.EventQR, QRCode: item.Code}, true
	case whatsmeow.QRChannelTimeout.Event:
		return session.Event{Kind: session.EventDisconnected, Reason: "qr code expired"}, true
	case whatsmeow.QRChannelEventError:
		reason := "qr pairing error"
		if item.Error != nil {
			reason = item.Error.Error()
		}
		return session.Event{Kind: session.EventFailure, Reason: reason}, true
	}
	return session.Event{}, false
}
