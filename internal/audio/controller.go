// Package audio enforces single-owner playback discipline over an
// injected player. The actual device layer lives outside this module.
package audio

import (
	"encoding/base64"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Handle represents one active playback that can be stopped.
type Handle interface {
	Stop()
}

// Player turns a decoded clip into an active playback.
type Player interface {
	Play(data []byte, format string) (Handle, error)
}

// Controller serializes playback: starting a new clip always stops and
// releases the currently playing handle first, so at most one playback
// is ever active.
type Controller struct {
	player Player
	log    zerolog.Logger

	mu      sync.Mutex
	current Handle
}

// NewController wraps a player. A nil player falls back to a logging
// no-op, useful headless and in tests.
func NewController(player Player, log zerolog.Logger) *Controller {
	if player == nil {
		player = noopPlayer{log: log}
	}
	return &Controller{
		player: player,
		log:    log.With().Str("component", "audio").Logger(),
	}
}

// PlayBase64 decodes a wire audio payload and starts playback,
// stopping any clip already playing.
func (c *Controller) PlayBase64(data, format string) error {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return errors.Wrap(err, "decode audio payload")
	}
	if format == "" {
		format = "wav"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Stop()
		c.current = nil
	}
	handle, err := c.player.Play(decoded, format)
	if err != nil {
		return errors.Wrap(err, "start playback")
	}
	c.current = handle
	return nil
}

// Stop releases the active playback, if any.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Stop()
		c.current = nil
	}
}

type noopPlayer struct {
	log zerolog.Logger
}

type noopHandle struct{}

func (noopHandle) Stop() {}

func (p noopPlayer) Play(data []byte, format string) (Handle, error) {
	p.log.Debug().Int("bytes", len(data)).Str("format", format).Msg("discarding audio clip (no player)")
	return noopHandle{}, nil
}
