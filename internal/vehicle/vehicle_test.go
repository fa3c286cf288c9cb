package vehicle

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestPacketEncodeDecode(t *testing.T) {
	p := positionPacket(0.5, -0.25, 1, 90)
	frame, err := p.Encode()
	require.NoError(t, err)
	assert.Equal(t, frameStart, frame[0])
	assert.Equal(t, byte(len(p.Payload)+1), frame[1])
	assert.Equal(t, byte(0x70), frame[2])

	// garbage before the frame is skipped
	r := bufio.NewReader(bytes.NewReader(append([]byte{0x01, 0x02}, frame...)))
	got, err := readPacket(r)
	require.NoError(t, err)
	assert.Equal(t, PortCommander, got.Port)
	assert.Equal(t, ChannelCommGeneric, got.Channel)
	assert.Equal(t, typePosition, got.Payload[0])

	vals, err := getFloats(got.Payload[1:], 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.25, 1, 90}, vals)
}

func TestReadPacketChecksum(t *testing.T) {
	frame, err := stopPacket().Encode()
	require.NoError(t, err)
	frame[len(frame)-1]++
	_, err = readPacket(bufio.NewReader(bytes.NewReader(frame)))
	assert.ErrorIs(t, err, errChecksum)
}

func TestPacketTooLarge(t *testing.T) {
	_, err := Packet{Payload: make([]byte, maxPayloadSize+1)}.Encode()
	assert.Error(t, err)

	_, err = paramPacket("a.very.long.parameter.name", "0.123456789")
	assert.Error(t, err)
}

func TestExtPoseFitsOnePacket(t *testing.T) {
	_, err := extPosePacket(1, 2, 3, 0, 0, 0, 1).Encode()
	assert.NoError(t, err)
}

func TestDecodeVariance(t *testing.T) {
	p := Packet{Port: PortLog, Channel: ChannelLogData, Payload: putFloats(0, 0.5, 0.25, 0.125)[1:]}
	v, ok := decodeVariance(p)
	require.True(t, ok)
	assert.Equal(t, Variance{X: 0.5, Y: 0.25, Z: 0.125}, v)

	_, ok = decodeVariance(Packet{Port: PortCommander})
	assert.False(t, ok)
}

func TestStreamLinkWritesAndReads(t *testing.T) {
	local, remote := net.Pipe()
	link := newStreamLink(local, zaptest.NewLogger(t).Sugar())

	// remote side: send one variance frame, then read what the link writes
	go func() {
		frame, _ := Packet{Port: PortLog, Channel: ChannelLogData, Payload: putFloats(0, 1e-4, 2e-4, 3e-4)[1:]}.Encode()
		_, _ = remote.Write(frame)
	}()

	select {
	case v := <-link.Variance():
		assert.InDelta(t, 2e-4, v.Y, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no variance sample")
	}

	require.NoError(t, link.SetParameter(ParamPosSet, "1"))
	require.NoError(t, link.SendPositionSetpoint(0, 0, 0.5, 0))
	require.NoError(t, link.SendPoseEstimate(r3.Vec{Z: 1}, quat.Number{Real: 1}))

	r := bufio.NewReader(remote)
	got := make([]Packet, 0, 3)
	for len(got) < 3 {
		p, err := readPacket(r)
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, PortParam, got[0].Port)
	assert.Equal(t, "flightmode.posSet\x001", string(got[0].Payload))
	assert.Equal(t, PortCommander, got[1].Port)
	assert.Equal(t, PortLocalization, got[2].Port)

	go func() { _, _ = remote.Read(make([]byte, 64)) }()
	require.NoError(t, link.Close())
	assert.ErrorIs(t, link.SendStop(), ErrClosed)
	assert.NoError(t, link.Close())
}

func TestWaitConverged(t *testing.T) {
	samples := make(chan Variance, 20)
	for i := 0; i < 9; i++ {
		samples <- Variance{X: 0.01, Y: 0.01, Z: 0.01}
	}
	cfg := EstimatorConfig{Window: 10, Threshold: 0.001}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// nine samples leave one 1000 in the window
	_, err := WaitConverged(ctx, samples, clock.New(), cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	samples <- Variance{X: 0.0105, Y: 0.01, Z: 0.0102}
	spread, err := WaitConverged(context.Background(), samples, clock.New(), EstimatorConfig{Window: 1, Threshold: 0.001})
	require.NoError(t, err)
	assert.Equal(t, Variance{}, spread)
}

func TestWaitConvergedRequiresFullWindow(t *testing.T) {
	samples := make(chan Variance, 20)
	for i := 0; i < 10; i++ {
		samples <- Variance{X: 0.01, Y: 0.01, Z: 0.0105}
	}
	spread, err := WaitConverged(context.Background(), samples, clock.New(), EstimatorConfig{Window: 10, Threshold: 0.001})
	require.NoError(t, err)
	assert.InDelta(t, 0, spread.X, 1e-12)
	assert.Empty(t, samples)
}

func TestWaitConvergedTimeout(t *testing.T) {
	mock := clock.NewMock()
	cfg := EstimatorConfig{Window: 10, Threshold: 0.001, Timeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		_, err := WaitConverged(context.Background(), make(chan Variance), mock, cfg)
		errCh <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrNotConverged)
			return
		case <-deadline:
			t.Fatal("gate did not time out")
		default:
			mock.Add(cfg.Timeout)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWaitConvergedClosedStream(t *testing.T) {
	ch := make(chan Variance)
	close(ch)
	_, err := WaitConverged(context.Background(), ch, clock.New(), EstimatorConfig{Window: 10, Threshold: 0.001})
	assert.ErrorIs(t, err, ErrNotConverged)
}

func TestSetupEstimatorSequence(t *testing.T) {
	link := NewMockLink()
	link.Converge = true
	cfg := DefaultEstimatorConfig()
	cfg.ResetPulse = 0
	cfg.Settle = 0

	require.NoError(t, SetupEstimator(context.Background(), link, clock.New(), cfg))

	var got []string
	for _, c := range link.CallsTo("SetParameter") {
		got = append(got, c.Name+"="+c.Value)
	}
	assert.Equal(t, []string{
		"stabilizer.estimator=2",
		"locSrv.extQuatStdDev=0.6",
		"kalman.resetEstimation=1",
		"kalman.resetEstimation=0",
	}, got)
}

func TestApplyFlightParameters(t *testing.T) {
	link := NewMockLink()
	require.NoError(t, ApplyFlightParameters(link, 2))

	var got []string
	for _, c := range link.CallsTo("SetParameter") {
		got = append(got, c.Name+"="+c.Value)
	}
	assert.Equal(t, []string{"posCtlPid.xyVelMax=2", "posCtlPid.zVelMax=2", "flightmode.posSet=1"}, got)
}

func TestMockLinkFailAfter(t *testing.T) {
	link := NewMockLink()
	link.FailAfter = 2
	assert.NoError(t, link.SendPositionSetpoint(0, 0, 0, 0))
	assert.NoError(t, link.SendPositionSetpoint(0, 0, 0, 0))
	assert.Error(t, link.SendPositionSetpoint(0, 0, 0, 0))
	assert.Len(t, link.CallsTo("SendPositionSetpoint"), 2)
}
