package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/protocol"
)

// MessageHandler handles a parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to registered handlers by type.
// Ping is answered internally; malformed or unsupported messages get an
// error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logging.Component("ws"),
	}
}

// Register associates a handler with a message type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("dispatch parse error")
		SendError(conn, protocol.CodeParse, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		SendError(conn, protocol.CodeUnsupported, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as msgType and writes it to conn. Failures are logged;
// a broken connection is reaped by the read path or the heartbeat.
func Send(conn *Connection, msgType string, payload interface{}) {
	log := logging.Component("ws")
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("encode server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("write failed")
	}
}

// SendError sends a structured error message to the client.
func SendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch(time.Now())
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
