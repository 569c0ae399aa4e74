package audio

import (
	"encoding/base64"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandle struct {
	mu      sync.Mutex
	stopped int
}

func (h *recordingHandle) Stop() {
	h.mu.Lock()
	h.stopped++
	h.mu.Unlock()
}

func (h *recordingHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type recordingPlayer struct {
	mu      sync.Mutex
	handles []*recordingHandle
	formats []string
	data    [][]byte
	err     error
}

func (p *recordingPlayer) Play(data []byte, format string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	h := &recordingHandle{}
	p.handles = append(p.handles, h)
	p.formats = append(p.formats, format)
	p.data = append(p.data, data)
	return h, nil
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestPlayBase64DecodesAndDefaultsFormat(t *testing.T) {
	p := &recordingPlayer{}
	c := NewController(p, zerolog.Nop())

	require.NoError(t, c.PlayBase64(b64("clip"), ""))

	require.Len(t, p.data, 1)
	assert.Equal(t, []byte("clip"), p.data[0])
	assert.Equal(t, "wav", p.formats[0])
}

func TestSecondPlayStopsFirst(t *testing.T) {
	p := &recordingPlayer{}
	c := NewController(p, zerolog.Nop())

	require.NoError(t, c.PlayBase64(b64("one"), "wav"))
	require.NoError(t, c.PlayBase64(b64("two"), "wav"))

	require.Len(t, p.handles, 2)
	assert.Equal(t, 1, p.handles[0].stopCount())
	assert.Equal(t, 0, p.handles[1].stopCount())
}

func TestStopReleasesCurrentOnce(t *testing.T) {
	p := &recordingPlayer{}
	c := NewController(p, zerolog.Nop())

	require.NoError(t, c.PlayBase64(b64("one"), "wav"))
	c.Stop()
	c.Stop() // second stop is a no-op

	assert.Equal(t, 1, p.handles[0].stopCount())
}

func TestStopWithoutPlaybackIsSafe(t *testing.T) {
	c := NewController(&recordingPlayer{}, zerolog.Nop())
	c.Stop()
}

func TestPlayBase64RejectsBadPayload(t *testing.T) {
	p := &recordingPlayer{}
	c := NewController(p, zerolog.Nop())

	require.Error(t, c.PlayBase64("not base64!!!", "wav"))
	assert.Empty(t, p.handles)
}

func TestPlayerFailureLeavesNoCurrentHandle(t *testing.T) {
	p := &recordingPlayer{err: errors.New("device busy")}
	c := NewController(p, zerolog.Nop())

	require.Error(t, c.PlayBase64(b64("clip"), "wav"))
	c.Stop() // must not panic on a nil current handle
}

func TestNilPlayerFallsBackToNoop(t *testing.T) {
	c := NewController(nil, zerolog.Nop())
	require.NoError(t, c.PlayBase64(b64("clip"), "wav"))
	c.Stop()
}
