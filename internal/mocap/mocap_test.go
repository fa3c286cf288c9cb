package mocap

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/relabs-tech/mocap_pilot/internal/pose"
)

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

func TestDecodeFrame(t *testing.T) {
	raw := `{"frame": 42, "bodies": {
		"cf":     {"pos_mm": [100, -200, 1000], "rot": [1,0,0, 0,1,0, 0,0,1]},
		"wand":   {"pos_mm": [null, 5, 6], "euler": [90, 0, 0]},
		"helmet": {"pos_mm": ["NaN", "1.5", 2]},
		"lost":   {}
	}}`
	f, err := DecodeFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), f.Number)
	require.Len(t, f.Bodies, 4)

	cf := f.Bodies["cf"]
	assert.Equal(t, [3]float64{100, -200, 1000}, cf.PositionMM)
	require.NotNil(t, cf.Rotation)
	assert.Nil(t, cf.Euler)
	assert.True(t, pose.FromSample(cf).Valid())

	wand := f.Bodies["wand"]
	assert.True(t, math.IsNaN(wand.PositionMM[0]))
	require.NotNil(t, wand.Euler)
	assert.False(t, pose.FromSample(wand).Valid())

	helmet := f.Bodies["helmet"]
	assert.True(t, math.IsNaN(helmet.PositionMM[0]))
	assert.Equal(t, 1.5, helmet.PositionMM[1])

	assert.False(t, pose.FromSample(f.Bodies["lost"]).Valid())
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"frame": 1, "bodies": {"cf": {"pos_mm": ["abc", 0, 0]}}}`))
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeFrameLostMarker(t *testing.T) {
	in := Frame{Number: 7, Bodies: map[string]pose.Sample{
		"cf": {PositionMM: [3]float64{math.NaN(), 2, 3}},
	}}
	b, err := EncodeFrame(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"pos_mm":[null,2,3]`)

	out, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out.Bodies["cf"].PositionMM[0]))
	assert.Equal(t, 3.0, out.Bodies["cf"].PositionMM[2])
}

func TestBodies(t *testing.T) {
	b, err := EncodeBodies([]string{"cf", "wand"})
	require.NoError(t, err)
	names, err := DecodeBodies(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"cf", "wand"}, names)
}

func TestParseEvent(t *testing.T) {
	ev, ok := ParseEvent(" Capture-Stopped\n")
	require.True(t, ok)
	assert.Equal(t, EventCaptureStopped, ev.Kind)
	assert.True(t, ev.Kind.EndsSession())

	ev, ok = ParseEvent("trigger")
	require.True(t, ok)
	assert.False(t, ev.Kind.EndsSession())
	assert.True(t, EventCameraSettingsChanged.EndsSession())

	_, ok = ParseEvent("bogus")
	assert.False(t, ok)
}

func TestFrameHandlerDropsMalformed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core).Sugar()
	var malformed atomic.Uint64
	var got []Frame
	h := frameHandler(func(f Frame) { got = append(got, f) }, log, &malformed)

	h(nil, fakeMessage{payload: []byte(`{"frame":1,"bodies":{}}`)})
	h(nil, fakeMessage{payload: []byte(`garbage`)})
	h(nil, fakeMessage{payload: []byte(`garbage`)})

	assert.Len(t, got, 1)
	assert.Equal(t, uint64(2), malformed.Load())
	// only the first malformed frame is logged
	assert.Equal(t, 1, logs.Len())
}

func TestEventHandler(t *testing.T) {
	var got []EventKind
	h := eventHandler(func(e Event) { got = append(got, e.Kind) }, zap.NewNop().Sugar())
	h(nil, fakeMessage{payload: []byte("trigger")})
	h(nil, fakeMessage{payload: []byte("unknown")})
	h(nil, fakeMessage{payload: []byte("capture-stopped")})
	assert.Equal(t, []EventKind{EventTrigger, EventCaptureStopped}, got)
}

func TestMockFeed(t *testing.T) {
	_, err := NewMockFeed().Bodies(context.Background())
	assert.ErrorIs(t, err, ErrNoBodies)

	feed := NewMockFeed("cf", "wand")
	names, err := feed.Bodies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cf", "wand"}, names)

	var frames, events int
	require.NoError(t, feed.Stream(func(Frame) { frames++ }))
	require.NoError(t, feed.Events(func(Event) { events++ }))
	feed.Publish(Frame{Number: 1})
	feed.Emit(EventTrigger)
	require.NoError(t, feed.Close())
	feed.Publish(Frame{Number: 2})

	assert.Equal(t, 1, frames)
	assert.Equal(t, 1, events)
	assert.True(t, feed.Closed())
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// subClient records subscriptions.
type subClient struct {
	mqtt.Client
	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func newSubClient() *subClient {
	return &subClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (c *subClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = h
	return doneToken{}
}

func (c *subClient) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

func TestMQTTFeedResubscribesOnReconnect(t *testing.T) {
	first := newSubClient()
	f := &MQTTFeed{
		client: first,
		cfg:    MQTTConfig{FramesTopic: "mocap/frames", EventsTopic: "mocap/events"},
		log:    zap.NewNop().Sugar(),
		subs:   make(map[string]mqtt.MessageHandler),
	}
	var frames atomic.Uint64
	var events atomic.Uint64
	require.NoError(t, f.Stream(func(Frame) { frames.Add(1) }))
	require.NoError(t, f.Events(func(Event) { events.Add(1) }))

	// a clean-session reconnect comes back with no subscriptions
	second := newSubClient()
	f.onConnect(second)

	h := second.handler("mocap/frames")
	require.NotNil(t, h)
	h(second, fakeMessage{payload: []byte(`{"frame":7,"bodies":{}}`)})
	assert.Equal(t, uint64(1), frames.Load())

	h = second.handler("mocap/events")
	require.NotNil(t, h)
	h(second, fakeMessage{payload: []byte("trigger")})
	assert.Equal(t, uint64(1), events.Load())
}
