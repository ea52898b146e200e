package gateway

import (
	"context"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/live"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/typing"
	"github.com/whisper/messenger/internal/ws"
)

func (g *Gateway) handleSubscribe(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SubscribeMsg)
	if !ok {
		return
	}
	key, err := g.resolveKey(c, m.ConversationKey, m.PeerID)
	if err != nil {
		g.subscriptionError(c, channelMessages, chat.ConversationKey(m.ConversationKey), err)
		return
	}
	st := g.state(c)
	if st == nil {
		return
	}

	// onError can fire before Subscribe returns; ready orders it after sub
	// is assigned.
	ready := make(chan struct{})
	var sub *live.Subscription
	initial := true
	sub = g.hub.Subscribe(c.UserID, key,
		func(msgs []chat.Message) {
			if msgs == nil {
				msgs = []chat.Message{}
			}
			ws.Send(c, protocol.TypeMessages, protocol.MessagesMsg{
				ConversationKey: string(key),
				Initial:         initial,
				Messages:        msgs,
			})
			initial = false
		},
		func(err error) {
			<-ready
			st.dropMessages(key, sub)
			g.subscriptionError(c, channelMessages, key, err)
		})
	close(ready)

	old, ok := st.putMessages(key, sub)
	if !ok {
		sub.Close()
		return
	}
	if old != nil {
		old.Close()
	}
}

func (g *Gateway) handleUnsubscribe(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UnsubscribeMsg)
	if !ok {
		return
	}
	st := g.state(c)
	if st == nil {
		return
	}
	if s := st.dropMessages(chat.ConversationKey(m.ConversationKey), nil); s != nil {
		s.Close()
	}
}

func (g *Gateway) handleSubscribeTyping(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SubscribeTypingMsg)
	if !ok {
		return
	}
	key, err := g.resolveKey(c, m.ConversationKey, "")
	if err != nil {
		g.subscriptionError(c, channelTyping, chat.ConversationKey(m.ConversationKey), err)
		return
	}
	st := g.state(c)
	if st == nil {
		return
	}

	ready := make(chan struct{})
	var sub *typing.Subscription
	sub = g.typing.Subscribe(c.UserID, key,
		func(users []string) {
			if users == nil {
				users = []string{}
			}
			ws.Send(c, protocol.TypeTypingState, protocol.TypingStateMsg{ConversationKey: string(key), Users: users})
		},
		func(err error) {
			<-ready
			st.dropTyping(key, sub)
			g.subscriptionError(c, channelTyping, key, err)
		})
	close(ready)

	old, ok := st.putTyping(key, sub)
	if !ok {
		sub.Close()
		return
	}
	if old != nil {
		old.Close()
	}
}

func (g *Gateway) handleUnsubscribeTyping(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UnsubscribeTypingMsg)
	if !ok {
		return
	}
	st := g.state(c)
	if st == nil {
		return
	}
	if s := st.dropTyping(chat.ConversationKey(m.ConversationKey), nil); s != nil {
		s.Close()
	}
}

// handleTyping feeds keystrokes into the connection's debouncer for the
// conversation. Throttled keystrokes are dropped without a reply.
func (g *Gateway) handleTyping(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	key, err := g.resolveKey(c, m.ConversationKey, "")
	if err != nil {
		ws.SendError(c, errorCode(err), err.Error())
		return
	}
	if !key.Includes(c.UserID) {
		ws.SendError(c, protocol.CodePermissionDenied, chat.ErrPermissionDenied.Error())
		return
	}
	st := g.state(c)
	if st == nil {
		return
	}

	if !m.IsTyping {
		if d := st.existingDebouncer(key); d != nil {
			d.Stop()
		}
		return
	}
	if !g.allow(c, ratelimit.RuleTyping) {
		return
	}
	d := st.debouncer(key, func() *typing.Debouncer {
		return typing.NewDebouncer(g.typing.Config().Idle, func(on bool) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := g.typing.Set(ctx, key, c.UserID, on); err != nil {
				g.log.Debug().Err(err).Str("conn", c.ID).Str("key", string(key)).Msg("typing signal not written")
			}
		})
	})
	if d != nil {
		d.Keystroke()
	}
}

// handleMessage sends a text or story_reply message. Failures are reported
// with send_failed carrying the submitted text.
func (g *Gateway) handleMessage(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	failed := func(code, message string) {
		ws.Send(c, protocol.TypeSendFailed, protocol.SendFailedMsg{
			ClientID:        m.ClientID,
			ConversationKey: m.ConversationKey,
			Text:            m.Text,
			Code:            code,
			Message:         message,
		})
	}

	key, err := g.resolveKey(c, m.ConversationKey, "")
	if err != nil {
		failed(errorCode(err), err.Error())
		return
	}
	if !g.allow(c, ratelimit.RuleSend) {
		failed(protocol.CodeRateLimited, "too many messages, slow down")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sent, err := g.svc.Send(ctx, chat.SendRequest{
		Sender:  c.Profile,
		Key:     key,
		Type:    chat.MessageType(m.Kind),
		Content: m.Text,
	})
	if err != nil {
		g.log.Debug().Err(err).Str("conn", c.ID).Str("key", string(key)).Msg("send failed")
		failed(errorCode(err), err.Error())
		return
	}

	if st := g.state(c); st != nil {
		if d := st.existingDebouncer(key); d != nil {
			d.Stop()
		}
	}
	ws.Send(c, protocol.TypeSent, protocol.SentMsg{ClientID: m.ClientID, Message: sent})
}

func (g *Gateway) handleMarkRead(c *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	key, err := g.resolveKey(c, m.ConversationKey, "")
	if err != nil {
		ws.SendError(c, errorCode(err), err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := g.svc.MarkRead(ctx, key, c.UserID); err != nil {
		ws.SendError(c, errorCode(err), err.Error())
	}
}
