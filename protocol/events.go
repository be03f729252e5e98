package protocol

import (
	"fmt"
	"time"

	"msim/models"
	"msim/transport"
)

// Direction says which side wrote a line, and therefore who the peer
// field names.
type Direction int

const (
	// Upstream lines go client to relay; the peer field is the recipient.
	Upstream Direction = iota
	// Downstream lines go relay to client; the peer field is the author.
	Downstream
)

// TimeLayout is used for every timestamp on the wire.
const TimeLayout = time.RFC3339Nano

// EncodeEvent renders ev as a packet line.
//
//	msg|peer|id|content|image_url|timestamp
//	typ|peer|conversation_id
//	react|peer|message_id|reaction
//	ack|peer|message_id|status
//	on|user|timestamp  off|user|timestamp
func EncodeEvent(ev transport.Event, dir Direction) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	peer := ev.Recipient()
	if dir == Downstream {
		peer = ev.Author()
	}

	switch ev.Kind {
	case transport.KindMessage:
		m := ev.Message
		return FormatPacket(TypeMsg, peer, m.ID, m.Content, m.ImageURL, m.Timestamp.UTC().Format(TimeLayout)), nil
	case transport.KindTyping:
		return FormatPacket(TypeTyp, peer, ev.Typing.ConversationID), nil
	case transport.KindReaction:
		return FormatPacket(TypeReact, peer, ev.Reaction.MessageID, ev.Reaction.Reaction), nil
	case transport.KindReceipt:
		return FormatPacket(TypeAck, peer, ev.Receipt.MessageID, string(ev.Receipt.Status)), nil
	case transport.KindPresence:
		typ := TypeOff
		if ev.Presence.Online {
			typ = TypeOn
		}
		at := ev.Presence.At
		if at.IsZero() {
			at = time.Now()
		}
		return FormatPacket(typ, ev.Presence.UserID, at.UTC().Format(TimeLayout)), nil
	}
	return "", transport.ErrUnknownEvent
}

// IsEvent reports whether a packet type carries a transport event.
func IsEvent(pktType string) bool {
	switch pktType {
	case TypeMsg, TypeTyp, TypeReact, TypeAck, TypeOn, TypeOff:
		return true
	}
	return false
}

// DecodeEvent turns an event packet back into a transport event. local is
// the user on the reading side of the connection.
func DecodeEvent(pkt *Packet, local string, dir Direction) (transport.Event, error) {
	peer := pkt.Field(0)
	if peer == "" {
		return transport.Event{}, fmt.Errorf("%w: %s without peer", ErrInvalidPacket, pkt.Type)
	}

	author, target := peer, local
	if dir == Upstream {
		author, target = local, peer
	}

	switch pkt.Type {
	case TypeMsg:
		if len(pkt.Fields) < 5 {
			return transport.Event{}, fmt.Errorf("%w: short msg", ErrInvalidPacket)
		}
		ts, err := time.Parse(TimeLayout, pkt.Field(4))
		if err != nil {
			return transport.Event{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidPacket, pkt.Field(4))
		}
		m := &models.Message{
			ID:         pkt.Field(1),
			SenderID:   author,
			ReceiverID: target,
			Content:    pkt.Field(2),
			ImageURL:   pkt.Field(3),
			Timestamp:  ts,
			Status:     models.StatusSent,
		}
		if err := m.Validate(); err != nil {
			return transport.Event{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
		}
		return transport.MessageEvent(m), nil

	case TypeTyp:
		return transport.TypingEvent(transport.Typing{
			UserID:         author,
			ConversationID: pkt.Field(1),
			PeerID:         target,
		}), nil

	case TypeReact:
		if pkt.Field(1) == "" || pkt.Field(2) == "" {
			return transport.Event{}, fmt.Errorf("%w: short react", ErrInvalidPacket)
		}
		return transport.ReactionEvent(transport.Reaction{
			MessageID: pkt.Field(1),
			UserID:    author,
			Reaction:  pkt.Field(2),
			PeerID:    target,
		}), nil

	case TypeAck:
		status, err := models.ParseStatus(pkt.Field(2))
		if err != nil || pkt.Field(1) == "" {
			return transport.Event{}, fmt.Errorf("%w: bad ack", ErrInvalidPacket)
		}
		return transport.ReceiptEvent(transport.Receipt{
			MessageID: pkt.Field(1),
			Status:    status,
			UserID:    author,
			PeerID:    target,
		}), nil

	case TypeOn, TypeOff:
		at, _ := time.Parse(TimeLayout, pkt.Field(1))
		return transport.PresenceEvent(transport.Presence{
			UserID: peer,
			Online: pkt.Type == TypeOn,
			At:     at,
		}), nil
	}

	return transport.Event{}, fmt.Errorf("%w: %q", transport.ErrUnknownEvent, pkt.Type)
}
