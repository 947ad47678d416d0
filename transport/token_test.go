package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTrip(t *testing.T) {
	cases := []struct {
		op     uint16
		connID uint32
		reqID  uint16
	}{
		{OpRecv, 1, 1},
		{OpSend, 0xFFFFFFFF, 0xFFFF},
		{OpConnect, 42, 0},
		{OpClose, 1 << 31, 9999},
		{OpCancel, 7, 12345},
	}
	for _, c := range cases {
		tok := MakeToken(c.op, c.connID, c.reqID)
		op, connID, reqID := SplitToken(tok)
		assert.Equal(t, c.op, op)
		assert.Equal(t, c.connID, connID)
		assert.Equal(t, c.reqID, reqID)

		assert.Equal(t, c.op, TokenOp(tok))
		assert.Equal(t, c.connID, TokenConn(tok))
		assert.Equal(t, c.reqID, TokenReq(tok))
	}
}

func TestAcceptTokenIsZero(t *testing.T) {
	assert.EqualValues(t, 0, TokenAccept)
	assert.EqualValues(t, 0, MakeToken(OpAccept, 0, 0),
		"the accept token coincides with op=accept, conn=0, req=0")
}

func TestTokenFieldsDoNotOverlap(t *testing.T) {
	tok := MakeToken(OpSend, 0, 0)
	assert.EqualValues(t, OpSend, TokenOp(tok))
	assert.Zero(t, TokenConn(tok))
	assert.Zero(t, TokenReq(tok))

	tok = MakeToken(0, 0xFFFFFFFF, 0)
	assert.Zero(t, TokenOp(tok))
	assert.Zero(t, TokenReq(tok))

	tok = MakeToken(0, 0, 0xFFFF)
	assert.Zero(t, TokenOp(tok))
	assert.Zero(t, TokenConn(tok))
}
