package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-companion/client/internal/wire"
)

// fakeTransport is a scriptable in-memory transport. Inbound frames
// are injected with deliver; fail kills the read loop the way a remote
// close would.
type fakeTransport struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	// Drain frames delivered before Close; a bare select picks randomly
	// when both channels are ready and would drop them.
	select {
	case data := <-f.inbound:
		return 1, data, nil
	default:
	}
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	if messageType == 1 { // text frames only, ignore pings
		f.mu.Lock()
		f.written = append(f.written, data)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error       { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error      { return nil }
func (f *fakeTransport) SetReadLimit(int64)                    {}
func (f *fakeTransport) SetPongHandler(func(string) error)     {}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, frame wire.Frame) {
	t.Helper()
	data, err := frame.Encode()
	require.NoError(t, err)
	select {
	case f.inbound <- data:
	case <-f.closed:
		t.Fatal("deliver on closed transport")
	}
}

func (f *fakeTransport) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeTransport) writtenFrames(t *testing.T) []wire.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, 0, len(f.written))
	for _, data := range f.written {
		frame, err := wire.Decode(data)
		require.NoError(t, err)
		out = append(out, *frame)
	}
	return out
}

// fakeDialer hands out transports in order; a nil slot means that dial
// attempt fails.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dials      int
	urls       []string
}

func (f *fakeDialer) dial(_ context.Context, rawURL string) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.dials
	f.dials++
	f.urls = append(f.urls, rawURL)
	if i >= len(f.transports) || f.transports[i] == nil {
		return nil, errors.New("connection refused")
	}
	return f.transports[i], nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func newTestManager(d *fakeDialer, maxReconnects int) *Manager {
	return NewManager(Config{
		ServerURL:      "ws://example.test/ws/chat",
		Dialer:         d.dial,
		ReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:  maxReconnects,
		Logger:         zerolog.Nop(),
	})
}

func TestConnectIsIdempotentForSameUser(t *testing.T) {
	d := &fakeDialer{transports: []*fakeTransport{newFakeTransport()}}
	m := newTestManager(d, 5)
	defer m.Close()

	var connected int
	m.Bus().On(wire.EventConnected, func(*wire.Frame) { connected++ })

	require.NoError(t, m.Connect(context.Background(), "alice"))
	require.NoError(t, m.Connect(context.Background(), "alice"))

	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 1, connected)
	assert.Equal(t, StateConnected, m.State())
	assert.Contains(t, d.urls[0], "user_id=alice")
}

func TestConnectDifferentUserReplacesTransport(t *testing.T) {
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{t1, t2}}
	m := newTestManager(d, 5)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "alice"))
	require.NoError(t, m.Connect(context.Background(), "bob"))

	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, "bob", m.UserID())

	// The first transport was closed before the second was opened.
	select {
	case <-t1.closed:
	default:
		t.Fatal("first transport left open")
	}
}

func TestConnectDialFailurePublishesError(t *testing.T) {
	d := &fakeDialer{} // every dial fails
	m := newTestManager(d, 5)
	defer m.Close()

	var errFrame *wire.Frame
	m.Bus().On(string(wire.TypeError), func(f *wire.Frame) { errFrame = f })

	err := m.Connect(context.Background(), "alice")
	require.Error(t, err)
	require.NotNil(t, errFrame)
	assert.Equal(t, wire.TypeError, errFrame.Type)
	assert.Contains(t, errFrame.Message, "connection refused")
}

func TestConnectRejectsEmptyUserID(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 5)
	require.Error(t, m.Connect(context.Background(), ""))
	assert.Equal(t, 0, d.dialCount())
}

func TestSendWhileDisconnectedReportsFalse(t *testing.T) {
	m := newTestManager(&fakeDialer{}, 5)
	assert.False(t, m.Chat("hello"))
}

func TestSendReachesTransport(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 5)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.True(t, m.Chat("hello"))
	assert.True(t, m.InitSession("s1"))

	require.Eventually(t, func() bool {
		return tr.writtenCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	frames := tr.writtenFrames(t)
	assert.Equal(t, wire.TypeChat, frames[0].Type)
	require.NotNil(t, frames[0].Content)
	assert.Equal(t, "hello", *frames[0].Content)
	assert.Equal(t, wire.TypeInitSession, frames[1].Type)
	assert.Equal(t, "s1", frames[1].SessionID)
}

func TestInboundFramePublishedSpecificThenGeneric(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 5)
	defer m.Close()

	var mu sync.Mutex
	var order []string
	m.Bus().On(wire.EventMessage, func(*wire.Frame) {
		mu.Lock()
		order = append(order, "generic")
		mu.Unlock()
	})
	m.Bus().On(string(wire.TypeStream), func(f *wire.Frame) {
		mu.Lock()
		order = append(order, "specific:"+f.Delta)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "alice"))
	tr.deliver(t, wire.Frame{Type: wire.TypeStream, Delta: "hi"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"specific:hi", "generic"}, order)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 5)
	defer m.Close()

	var mu sync.Mutex
	var got []wire.Type
	m.Bus().On(wire.EventMessage, func(f *wire.Frame) {
		mu.Lock()
		got = append(got, f.Type)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "alice"))

	tr.inbound <- []byte("{not json")
	tr.inbound <- []byte(`{"no_type": true}`)
	tr.deliver(t, wire.Frame{Type: wire.TypeStreamEnd, Emo: "happy"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []wire.Type{wire.TypeStreamEnd}, got)
}

func TestInboundFramesLandInHistory(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 5)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "alice"))
	tr.deliver(t, wire.Frame{Type: wire.TypeStream, Delta: "a"})
	tr.deliver(t, wire.Frame{Type: wire.TypeStream, Delta: "b"})

	require.Eventually(t, func() bool {
		return m.History().Len() == 2
	}, 2*time.Second, 5*time.Millisecond)

	recent := m.History().Recent()
	assert.Equal(t, "a", recent[0].Frame.Delta)
	assert.Equal(t, "b", recent[1].Frame.Delta)
}

func TestReconnectStopsAtCeiling(t *testing.T) {
	// One good transport, then nothing but refused dials.
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 3)
	defer m.Close()

	var mu sync.Mutex
	var disconnects int
	m.Bus().On(wire.EventDisconnected, func(*wire.Frame) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "alice"))
	tr.Close() // remote drop

	// Initial dial plus one per allowed attempt.
	require.Eventually(t, func() bool {
		return d.dialCount() == 4 && m.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	// No further dials once exhausted.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount())

	mu.Lock()
	assert.Equal(t, 1, disconnects)
	mu.Unlock()
}

func TestReconnectRecoversAndResetsCounter(t *testing.T) {
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	t3 := newFakeTransport()
	// First redial refused, second succeeds; after the next drop the
	// counter must have reset, so a further redial still happens.
	d := &fakeDialer{transports: []*fakeTransport{t1, nil, t2, t3}}
	m := newTestManager(d, 2)
	defer m.Close()

	var mu sync.Mutex
	var connects int
	m.Bus().On(wire.EventConnected, func(*wire.Frame) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "alice"))
	t1.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2 && m.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	t2.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLifecycleEventsStayOffWildcard(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 2)
	defer m.Close()

	var mu sync.Mutex
	var wildcard []wire.Type
	var connected, disconnected int
	m.Bus().On(wire.EventMessage, func(f *wire.Frame) {
		mu.Lock()
		wildcard = append(wildcard, f.Type)
		mu.Unlock()
	})
	m.Bus().On(wire.EventConnected, func(*wire.Frame) {
		mu.Lock()
		connected++
		mu.Unlock()
	})
	m.Bus().On(wire.EventDisconnected, func(*wire.Frame) {
		mu.Lock()
		disconnected++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), "alice"))
	tr.deliver(t, wire.Frame{Type: wire.TypeStream, Delta: "hi"})
	tr.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The wildcard saw only the decoded inbound frame; lifecycle events
	// arrived under their own names.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []wire.Type{wire.TypeStream}, wildcard)
	assert.Equal(t, 1, connected)
}

func TestSendDuringTransportDropDoesNotPanic(t *testing.T) {
	var mu sync.Mutex
	var current *fakeTransport
	dial := func(context.Context, string) (Transport, error) {
		tr := newFakeTransport()
		mu.Lock()
		current = tr
		mu.Unlock()
		return tr, nil
	}

	m := NewManager(Config{
		ServerURL:      "ws://example.test/ws/chat",
		Dialer:         dial,
		ReconnectDelay: time.Microsecond,
		MaxReconnects:  1 << 20,
		Logger:         zerolog.Nop(),
	})
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), "alice"))

	// Hammer sends from several goroutines while the transport is
	// repeatedly dropped; a send racing the channel close panics.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					m.Chat("x")
				}
			}
		}()
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		tr := current
		mu.Unlock()
		if tr != nil {
			tr.Close()
		}
		time.Sleep(time.Millisecond)
	}
	close(done)
	wg.Wait()
}

func TestCloseCancelsScheduledReconnect(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{tr}}
	m := newTestManager(d, 5)

	require.NoError(t, m.Connect(context.Background(), "alice"))
	m.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateDisconnected, m.State())
}
