package state

import (
	"github.com/ai-companion/client/internal/model"
	"github.com/ai-companion/client/internal/wire"
)

// Reduce folds one inbound event into the snapshot and returns the
// replacement. It is a pure function: no hidden state, no side
// effects, input slices are never mutated in place.
func Reduce(snap model.Snapshot, f *wire.Frame) model.Snapshot {
	switch f.Type {
	case wire.Type(wire.EventConnected):
		snap.Connection = model.ConnectionConnected

	case wire.Type(wire.EventDisconnected):
		snap.Connection = model.ConnectionDisconnected

	case wire.TypeSessionCreated:
		sess := model.Session{ID: f.SessionID}
		if f.Title != nil {
			sess.Title = *f.Title
		}
		roster := make([]model.Session, 0, len(snap.Sessions)+1)
		roster = append(roster, sess)
		roster = append(roster, snap.Sessions...)
		snap.Sessions = roster
		snap.ActiveSessionID = f.SessionID

	case wire.TypeSessionLoaded:
		snap.ActiveSessionID = f.SessionID
		transcript := make([]model.Message, 0, len(f.Messages))
		for _, rec := range f.Messages {
			transcript = append(transcript, model.MessageFromWire(rec))
		}
		snap.Transcript = transcript
		snap.Loading = false
		if f.Title != nil {
			snap.Sessions = retitle(snap.Sessions, f.SessionID, *f.Title)
		}

	case wire.TypeSessionList:
		roster := make([]model.Session, 0, len(f.Sessions))
		for _, rec := range f.Sessions {
			roster = append(roster, model.SessionFromWire(rec))
		}
		snap.Sessions = roster

	case wire.TypeSessionDeleted:
		snap.Sessions = withoutSession(snap.Sessions, f.SessionID)
		if snap.ActiveSessionID == f.SessionID {
			snap.ActiveSessionID = ""
			snap.Transcript = nil
		}

	case wire.TypeStream:
		snap.Transcript = appendDelta(snap.Transcript, f.Delta)

	case wire.TypeStreamEnd:
		if last := snap.LastMessage(); last != nil && last.IsStreaming && last.Role == model.RoleAssistant {
			transcript := copyTranscript(snap.Transcript)
			final := &transcript[len(transcript)-1]
			final.IsStreaming = false
			final.Emotion = f.Emo
			if f.Content != nil {
				final.Content = *f.Content
			}
			snap.Transcript = transcript
			snap.Emotion = f.Emo
		}

	case wire.TypeUserMessageEcho:
		content := ""
		if f.Content != nil {
			content = *f.Content
		}
		snap.Transcript = appendMessage(snap.Transcript, model.Message{
			Role:    model.RoleUser,
			Content: content,
		})

	case wire.TypeError:
		snap.LastError = f.Message
		snap.Loading = false

	case wire.TypeAudio:
		// Playback side effect only; the transcript is untouched.
	}

	return snap
}

// appendDelta implements the self-healing assembly rule: grow the
// trailing streaming assistant message if there is one, otherwise
// start a fresh streaming message so a missing or out-of-order start
// marker never loses text.
func appendDelta(transcript []model.Message, delta string) []model.Message {
	n := len(transcript)
	if n > 0 && transcript[n-1].IsStreaming && transcript[n-1].Role == model.RoleAssistant {
		out := copyTranscript(transcript)
		out[n-1].Content += delta
		return out
	}
	return appendMessage(transcript, model.Message{
		Role:        model.RoleAssistant,
		Content:     delta,
		IsStreaming: true,
	})
}

func appendMessage(transcript []model.Message, msg model.Message) []model.Message {
	out := make([]model.Message, 0, len(transcript)+1)
	out = append(out, transcript...)
	return append(out, msg)
}

func copyTranscript(transcript []model.Message) []model.Message {
	out := make([]model.Message, len(transcript))
	copy(out, transcript)
	return out
}

func withoutSession(roster []model.Session, id string) []model.Session {
	out := make([]model.Session, 0, len(roster))
	for _, s := range roster {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func retitle(roster []model.Session, id, title string) []model.Session {
	out := make([]model.Session, len(roster))
	copy(out, roster)
	for i := range out {
		if out[i].ID == id {
			out[i].Title = title
		}
	}
	return out
}
