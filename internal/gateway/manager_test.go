package gateway

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registeredConn(cm *ConnectionManager, userID uuid.UUID, sendBuf int) *Connection {
	conn := &Connection{
		ID:      uuid.New().String(),
		UserID:  userID,
		Send:    make(chan []byte, sendBuf),
		Manager: cm,
		rooms:   make(map[uuid.UUID]bool),
		done:    make(chan struct{}),
	}
	cm.registerConnection(conn)
	return conn
}

func isDone(conn *Connection) bool {
	select {
	case <-conn.done:
		return true
	default:
		return false
	}
}

func TestUnregisterSignalsDoneAndLeavesSendOpen(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	userID := uuid.New()
	conn := registeredConn(cm, userID, 8)

	require.True(t, cm.IsOnline(userID))
	require.False(t, isDone(conn))

	cm.unregisterConnection(conn)

	assert.False(t, cm.IsOnline(userID))
	assert.True(t, isDone(conn))

	// Send stays open: a writer holding a stale reference must be able to
	// attempt a send without panicking.
	require.NotPanics(t, func() {
		conn.Send <- []byte(`{"type":"late"}`)
	})
}

func TestUnregisterTwiceIsNoOp(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := registeredConn(cm, uuid.New(), 8)

	cm.unregisterConnection(conn)
	require.NotPanics(t, func() {
		cm.unregisterConnection(conn)
	})
}

func TestDeliverToTornDownConnectionDiscards(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := registeredConn(cm, uuid.New(), 1)

	// Fill the buffer so the send case cannot win the select, then tear the
	// connection down mid-broadcast the way an unregister between target
	// snapshot and send would.
	conn.Send <- []byte(`{"type":"queued"}`)
	cm.unregisterConnection(conn)

	require.NotPanics(t, func() {
		cm.deliver(conn, []byte(`{"type":"stale"}`))
	})
	assert.Len(t, conn.Send, 1, "stale delivery is discarded, not queued")
}

func TestDeliverToLiveConnectionQueues(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := registeredConn(cm, uuid.New(), 8)

	cm.deliver(conn, []byte(`{"type":"ping"}`))

	require.Len(t, conn.Send, 1)
	assert.Equal(t, []byte(`{"type":"ping"}`), <-conn.Send)
}

func TestRoomMembershipDroppedOnUnregister(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	userID := uuid.New()
	requestID := uuid.New()
	conn := registeredConn(cm, userID, 8)

	cm.JoinRoom(requestID, userID)
	require.Contains(t, cm.rooms, requestID)

	cm.unregisterConnection(conn)
	assert.NotContains(t, cm.rooms, requestID)
}
