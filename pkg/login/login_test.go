package login

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-iscsi/initiator/pkg/ccb"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/session"
	"github.com/go-iscsi/initiator/pkg/status"
	"github.com/go-iscsi/initiator/pkg/transport"
)

func newTestConn(t *testing.T) (*session.Connection, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	s := session.New(1, [6]byte{0x00, 0x02, 0x3d, 0x00, 0x00, 0x01}, nil, fakeUpper{}, fakeEvents{}, nil)
	c := s.AddConnection(1, sock)
	c.Start()
	return c, sock
}

func headerOf(t *testing.T, seg [][]byte) pdu.BHS {
	t.Helper()
	require.NotEmpty(t, seg)
	var b pdu.BHS
	require.GreaterOrEqual(t, len(seg[0]), pdu.BHSLen)
	copy(b[:], seg[0][:pdu.BHSLen])
	return b
}

func TestNextStageStaysPutWithoutTransit(t *testing.T) {
	assert.Equal(t, pdu.StageSecurityNegotiation, nextStage(pdu.StageSecurityNegotiation, false))
	assert.Equal(t, pdu.StageLoginOperational, nextStage(pdu.StageLoginOperational, false))
}

func TestNextStageAdvancesOnTransit(t *testing.T) {
	assert.Equal(t, pdu.StageLoginOperational, nextStage(pdu.StageSecurityNegotiation, true))
	assert.Equal(t, pdu.StageFullFeaturePhase, nextStage(pdu.StageLoginOperational, true))
}

func TestStampISIDTSIHEncodesBothFields(t *testing.T) {
	d := &Driver{ISID: [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, TSIH: 0xabcd}
	p := &pdu.PDU{}
	d.stampISIDTSIH(p)

	var want uint64
	for _, b := range d.ISID {
		want = want<<8 | uint64(b)
	}
	assert.Equal(t, want, p.Header.LUN())
	assert.EqualValues(t, 0xabcd, p.Header.Word20())
}

func TestSendLoginNegotiatesThroughToFullFeature(t *testing.T) {
	c, sock := newTestConn(t)
	a := &fakeAssembler{
		security:    []transport.KeyValueResult{{Payload: []byte("a"), Next: 0}},
		operational: []transport.KeyValueResult{{Payload: []byte("b"), Next: 0}},
	}
	d := NewDriver(c, a, [6]byte{1, 2, 3, 4, 5, 6})

	resultCh := make(chan status.Status, 1)
	go func() { resultCh <- d.SendLogin(context.Background()) }()

	require.Eventually(t, func() bool { return sock.sentCount() == 1 }, time.Second, time.Millisecond)
	h1 := headerOf(t, sock.lastSent())
	assert.Equal(t, pdu.OpLoginRequest, h1.Opcode())
	assert.NotZero(t, h1.Flags()&pdu.FlagTransit, "Next == 0 must transit immediately")
	assert.Equal(t, pdu.StageSecurityNegotiation, (h1.Flags()>>pdu.CSGShift)&pdu.SGMask)
	assert.Equal(t, pdu.StageLoginOperational, h1.Flags()&pdu.SGMask)

	cc, ok := c.CCBs().Lookup(h1.InitiatorTaskTag())
	require.True(t, ok)

	d.NegotiateLogin(cc, Response{Transit: true, CSG: pdu.StageSecurityNegotiation, NSG: pdu.StageLoginOperational})

	require.Eventually(t, func() bool { return sock.sentCount() == 2 }, time.Second, time.Millisecond)
	h2 := headerOf(t, sock.lastSent())
	assert.NotZero(t, h2.Flags()&pdu.FlagTransit)
	assert.Equal(t, pdu.StageLoginOperational, (h2.Flags()>>pdu.CSGShift)&pdu.SGMask)
	assert.Equal(t, pdu.StageFullFeaturePhase, h2.Flags()&pdu.SGMask)

	d.NegotiateLogin(cc, Response{
		Transit: true,
		CSG:     pdu.StageLoginOperational,
		NSG:     pdu.StageFullFeaturePhase,
		TSIH:    7,
		Params: &NegotiatedParams{
			HeaderDigest:  true,
			MaxTransfer:   4096,
			MaxFirstImmed: 512,
			MaxFirstData:  1024,
		},
	})

	select {
	case st := <-resultCh:
		assert.Equal(t, status.Success, st)
	case <-time.After(time.Second):
		t.Fatal("SendLogin never returned after the FULL_FEATURE response")
	}

	assert.Equal(t, session.StateFullFeature, c.State())
	assert.EqualValues(t, 7, c.Sess.TSIH)
	assert.True(t, c.HeaderDigest)
	assert.False(t, c.DataDigest)
	assert.EqualValues(t, 4096, c.MaxTransfer)
	assert.EqualValues(t, 512, c.MaxFirstImmed)
	assert.EqualValues(t, 1024, c.MaxFirstData)
}

func TestNewReloginSkipsSecurityNegotiation(t *testing.T) {
	c, sock := newTestConn(t)
	a := &fakeAssembler{
		operational: []transport.KeyValueResult{{Payload: []byte("x"), Next: 0}},
	}
	d := NewRelogin(c, a, [6]byte{1, 2, 3, 4, 5, 6}, 9)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan status.Status, 1)
	go func() { resultCh <- d.SendLogin(ctx) }()

	require.Eventually(t, func() bool { return sock.sentCount() == 1 }, time.Second, time.Millisecond)
	h := headerOf(t, sock.lastSent())
	assert.Equal(t, pdu.StageLoginOperational, (h.Flags()>>pdu.CSGShift)&pdu.SGMask, "a relogin must start straight in operational negotiation")
	assert.Zero(t, a.secCalls, "a relogin must never call AssembleSecurityParameters")

	cancel()
	select {
	case st := <-resultCh:
		assert.Equal(t, status.Timeout, st)
	case <-time.After(time.Second):
		t.Fatal("SendLogin never observed context cancellation")
	}
}

func TestNegotiateLoginWakesWithTargetErrorOnReservedStage(t *testing.T) {
	c, _ := newTestConn(t)
	a := &fakeAssembler{}
	d := NewDriver(c, a, [6]byte{})
	cc := c.CCBs().Get(c.ID, c.Sess.ID)
	cc.Disp = ccb.Wait

	d.NegotiateLogin(cc, Response{Transit: false, CSG: 2})

	select {
	case <-cc.Done():
	case <-time.After(time.Second):
		t.Fatal("NegotiateLogin never woke the CCB on a reserved stage")
	}
	assert.Equal(t, status.TargetError, cc.Status)
}

func TestSendSendTargetsAccumulatesAcrossRounds(t *testing.T) {
	c, sock := newTestConn(t)
	a := &fakeAssembler{
		operational: []transport.KeyValueResult{{Payload: []byte("more"), Next: 1}},
		sendTargets: transport.KeyValueResult{Payload: []byte("SendTargets=All")},
	}
	d := NewDriver(c, a, [6]byte{})

	type result struct {
		cc *ccb.CCB
		st status.Status
	}
	resultCh := make(chan result, 1)
	go func() {
		cc, st := d.SendSendTargets(context.Background(), "SendTargets")
		resultCh <- result{cc, st}
	}()

	require.Eventually(t, func() bool { return sock.sentCount() == 1 }, time.Second, time.Millisecond)
	h1 := headerOf(t, sock.lastSent())
	cc, ok := c.CCBs().Lookup(h1.InitiatorTaskTag())
	require.True(t, ok)
	assert.NotZero(t, cc.Flags&ccb.FlagSendTarget)

	d.NegotiateText(cc, Response{KeyValues: []byte("TargetName=iqn.demo1"), Final: false})

	require.Eventually(t, func() bool { return sock.sentCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "TargetName=iqn.demo1", string(cc.DataPtr))

	d.NegotiateText(cc, Response{KeyValues: []byte("TargetName=iqn.demo2"), Final: true})

	select {
	case r := <-resultCh:
		assert.Equal(t, status.Success, r.st)
		assert.Equal(t, "TargetName=iqn.demo1TargetName=iqn.demo2", string(r.cc.DataPtr))
	case <-time.After(time.Second):
		t.Fatal("SendSendTargets never returned after the final response")
	}
}
