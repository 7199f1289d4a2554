package ircd

import (
	"testing"

	logger "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayDebugDumpTogglesWireLogging(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn, c, dec := dial(t, srv)
	c.setNick("alice")
	c.mu.Lock()
	c.authed = true
	c.ready = true
	c.mu.Unlock()

	assert.Equal(t, logger.InfoLevel, srv.log.GetLevel())

	writeLine(t, conn, "PRIVMSG X :debug_dump 1")
	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Contains(t, msg.Trailing, "debug_dump set to 1")
	assert.Equal(t, logger.TraceLevel, srv.log.GetLevel())

	writeLine(t, conn, "PRIVMSG X :debug_dump 0")
	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Contains(t, msg.Trailing, "debug_dump set to 0")
	assert.Equal(t, logger.InfoLevel, srv.log.GetLevel())
}
