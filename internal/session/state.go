package session

import "fmt"

type State string

const (
	StateInitializing  State = "initializing"
	StateQRReady       State = "qr_ready"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
	StateReconnecting  State = "reconnecting"
	StateError         State = "error"
)

type EventKind string

// Provider-originated events.
const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventFailure       EventKind = "failure"
)

// Manager-originated events.
const (
	EventReconnectStarted   EventKind = "reconnect_started"
	EventReconnectSucceeded EventKind = "reconnect_succeeded"
	EventReconnectFailed    EventKind = "reconnect_failed"
)

type Event struct {
	Kind   EventKind
	QRCode string
	Reason string
}

func (k EventKind) fromProvider() bool {
	switch k {
	case EventQR, EventAuthenticated, EventReady, EventDisconnected, EventFailure:
		return true
	}
	return false
}

// Effect is a side effect requested by a transition. The manager applies
// them after the state has changed.
type Effect int

const (
	EffectSetQR Effect = iota + 1
	EffectClearQR
	EffectRecordError
	EffectScheduleReconnect
	EffectBroadcast
)

type rule struct {
	to      State
	effects []Effect
}

var transitions = map[State]map[EventKind]rule{
	StateInitializing: {
		EventQR:               {StateQRReady, []Effect{EffectSetQR, EffectBroadcast}},
		EventAuthenticated:    {StateAuthenticated, []Effect{EffectBroadcast}},
		EventReady:            {StateReady, []Effect{EffectClearQR, EffectBroadcast}},
		EventDisconnected:     {StateDisconnected, []Effect{EffectScheduleReconnect, EffectBroadcast}},
		EventReconnectStarted: {StateReconnecting, []Effect{EffectBroadcast}},
	},
	StateQRReady: {
		EventQR:               {StateQRReady, []Effect{EffectSetQR, EffectBroadcast}},
		EventAuthenticated:    {StateAuthenticated, []Effect{EffectClearQR, EffectBroadcast}},
		EventReady:            {StateReady, []Effect{EffectClearQR, EffectBroadcast}},
		EventDisconnected:     {StateDisconnected, []Effect{EffectClearQR, EffectScheduleReconnect, EffectBroadcast}},
		EventReconnectStarted: {StateReconnecting, []Effect{EffectClearQR, EffectBroadcast}},
	},
	StateAuthenticated: {
		EventReady:            {StateReady, []Effect{EffectClearQR, EffectBroadcast}},
		EventDisconnected:     {StateDisconnected, []Effect{EffectScheduleReconnect, EffectBroadcast}},
		EventReconnectStarted: {StateReconnecting, []Effect{EffectBroadcast}},
	},
	StateReady: {
		EventDisconnected: {StateDisconnected, []Effect{EffectScheduleReconnect, EffectBroadcast}},
	},
	StateDisconnected: {
		EventDisconnected:     {StateDisconnected, nil},
		EventReconnectStarted: {StateReconnecting, []Effect{EffectBroadcast}},
	},
	StateReconnecting: {
		EventReconnectStarted:   {StateReconnecting, nil},
		EventReconnectSucceeded: {StateInitializing, []Effect{EffectBroadcast}},
		EventReconnectFailed:    {StateError, []Effect{EffectRecordError, EffectBroadcast}},
	},
	StateError: {
		EventDisconnected:     {StateError, nil},
		EventReconnectStarted: {StateReconnecting, []Effect{EffectBroadcast}},
	},
}

// Transition is the session state machine. It never mutates anything; the
// caller applies the returned state and effects. A failure event moves any
// state to StateError.
func Transition(from State, ev Event) (State, []Effect, error) {
	if ev.Kind == EventFailure {
		return StateError, []Effect{EffectClearQR, EffectRecordError, EffectBroadcast}, nil
	}

	r, ok := transitions[from][ev.Kind]
	if !ok {
		return from, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, from)
	}
	return r.to, r.effects, nil
}
