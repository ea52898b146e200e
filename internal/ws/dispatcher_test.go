package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/protocol"
)

func TestSendWritesEnvelope(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := &Connection{ID: "c1", UserID: "alice", Conn: server, writeTimeout: time.Second}

	go SendError(conn, protocol.CodeInvalid, "bad key")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := wsutil.ReadServerText(client)
	require.NoError(t, err)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, protocol.TypeError, env["type"])
	assert.Equal(t, protocol.CodeInvalid, env["code"])
	assert.Equal(t, "bad key", env["message"])
}

func TestSendSurvivesFailures(t *testing.T) {
	server, client := net.Pipe()
	conn := &Connection{ID: "c1", UserID: "alice", Conn: server}
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	assert.NotPanics(t, func() {
		Send(conn, protocol.TypePong, protocol.PongMsg{})
		Send(conn, protocol.TypeError, make(chan int))
	})
}
