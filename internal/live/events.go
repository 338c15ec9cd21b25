package live

import "time"

type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventTranscript    EventType = "transcript"
	EventAudioResponse EventType = "audio_response"
	EventError         EventType = "error"
	EventTurnComplete  EventType = "turn_complete"
	EventInterrupted   EventType = "interrupted"
)

// Event is published to the Observer. Fields are set according to Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`

	// EventTranscript
	Text    string `json:"text,omitempty"`
	Speaker string `json:"speaker,omitempty"`

	// EventAudioResponse
	Audio []byte `json:"-"`
	Bytes int    `json:"bytes,omitempty"`

	// EventError
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`

	// EventDisconnected
	Reason string `json:"reason,omitempty"`
}

// Observer receives session events. OnEvent is called synchronously from
// session goroutines and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
