package whatsapp

import (
	"go.mau.fi/whatsmeow/types/events"

	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
)

// Close codes for whatsmeow conditions without a protocol code.
const (
	codeConnectionClosed = 428
	codeBanned           = 403
	codeOutdated         = 405
)

func translate(evt any) (engine.Event, bool) {
	switch ev := evt.(type) {
	case *events.Connected:
		return engine.ConnectionUpdate{Status: engine.StatusOpen}, true
	case *events.PairSuccess:
		return engine.CredentialsChanged{}, true
	case *events.LoggedOut:
		return closed(engine.CodeLoggedOut, "logged out: "+ev.Reason.String()), true
	case *events.Disconnected:
		return closed(codeConnectionClosed, "connection closed"), true
	case *events.StreamReplaced:
		return closed(engine.CodeReplaced, "stream replaced"), true
	case *events.TemporaryBan:
		return closed(codeBanned, ev.String()), true
	case *events.ClientOutdated:
		return closed(codeOutdated, "client outdated"), true
	case *events.ConnectFailure:
		if ev.Reason.IsLoggedOut() {
			return closed(engine.CodeLoggedOut, "logged out: "+ev.Reason.String()), true
		}
		return closed(int(ev.Reason), ev.Reason.String()), true
	case *events.Message:
		return message(ev)
	}
	return nil, false
}

func closed(code int, msg string) engine.ConnectionUpdate {
	return engine.ConnectionUpdate{Status: engine.StatusClose, Reason: &engine.CloseReason{Code: code, Message: msg}}
}

func message(ev *events.Message) (engine.Event, bool) {
	if ev.Message == nil {
		return nil, false
	}
	text := ev.Message.GetConversation()
	if text == "" {
		text = ev.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return nil, false
	}
	return engine.MessageReceived{
		ID:           string(ev.Info.ID),
		From:         ev.Info.Sender.String(),
		Text:         text,
		Outbound:     ev.Info.IsFromMe,
		DeliveryType: ev.Info.Type,
		Timestamp:    ev.Info.Timestamp.UTC(),
	}, true
}
