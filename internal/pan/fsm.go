// Package pan implements the connection supervisor for the PAN User
// role: the top-level state machine that takes the link from idle
// through L2CAP connect, BNEP setup and DHCP to online, and back
// through reconnection with exponential backoff.
package pan

// This file is the supervisor FSM: a pure function over a transition
// table, no timers, no side effects. The driver in supervisor.go owns
// the clock and counters and executes the returned actions.
//
// Happy path:
//
//	Idle -> Connecting -> BnepSetup -> Dhcp -> Online
//
// Reconnecting is entered from Connecting, BnepSetup, Dhcp or Online,
// never from Idle or Error. Error is terminal until a new Start.

// State is the supervisor state.
type State uint8

const (
	// StateIdle indicates the supervisor is stopped.
	StateIdle State = iota

	// StateScanning is reserved for a future inquiry/scan phase.
	// Never entered: the peer address comes from configuration.
	StateScanning

	// StateConnecting indicates an L2CAP connect is in flight.
	StateConnecting

	// StateBnepSetup indicates the BNEP setup handshake is running.
	StateBnepSetup

	// StateDhcp indicates the link is up and address acquisition is
	// in progress.
	StateDhcp

	// StateOnline indicates the link is up and an address is held.
	StateOnline

	// StateReconnecting indicates a backoff delay is running before
	// the next connect attempt.
	StateReconnecting

	// StateStalled is reserved for a future link-health monitor.
	// Never entered.
	StateStalled

	// StateError is the terminal state after reconnection attempts
	// were exhausted.
	StateError
)

// stateNames maps supervisor states to human-readable strings.
var stateNames = [9]string{
	"Idle",
	"Scanning",
	"Connecting",
	"BnepSetup",
	"Dhcp",
	"Online",
	"Reconnecting",
	"Stalled",
	"Error",
}

// String returns the human-readable name for the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Event is a supervisor FSM event. Counter-dependent decisions (setup
// retries left, reconnect attempts left) are resolved by the driver
// before dispatch, so the table stays pure: the driver feeds either
// the Retry or the Exhausted variant.
type Event uint8

const (
	// EventStart is the application's start request.
	EventStart Event = iota

	// EventStop is the application's stop request.
	EventStop

	// EventL2CAPConnected signals the radio completed the connect.
	EventL2CAPConnected

	// EventL2CAPConnectFailed signals the connect attempt failed,
	// either by radio report or by local timeout.
	EventL2CAPConnectFailed

	// EventL2CAPDisconnected signals the established channel dropped.
	EventL2CAPDisconnected

	// EventSetupSuccess signals a BNEP setup response with code
	// Success.
	EventSetupSuccess

	// EventSetupRejected signals a BNEP setup response with any
	// non-success code.
	EventSetupRejected

	// EventSetupTimeoutRetry signals the setup response timer expired
	// with retries remaining.
	EventSetupTimeoutRetry

	// EventSetupTimeoutExhausted signals the setup response timer
	// expired with no retries left.
	EventSetupTimeoutExhausted

	// EventIPAcquired signals the IP stack published an address.
	EventIPAcquired

	// EventIPLost signals the IP stack lost its address.
	EventIPLost

	// EventReconnectDelayElapsed signals the backoff delay expired
	// with attempts remaining (or no attempt cap configured).
	EventReconnectDelayElapsed

	// EventReconnectExhausted signals the backoff delay expired with
	// the attempt cap reached.
	EventReconnectExhausted
)

// eventNames maps events to human-readable strings.
var eventNames = [13]string{
	"Start",
	"Stop",
	"L2CAPConnected",
	"L2CAPConnectFailed",
	"L2CAPDisconnected",
	"SetupSuccess",
	"SetupRejected",
	"SetupTimeoutRetry",
	"SetupTimeoutExhausted",
	"IPAcquired",
	"IPLost",
	"ReconnectDelayElapsed",
	"ReconnectExhausted",
}

// String returns the human-readable name for the event.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Unknown"
}

// Action is a side effect the driver must execute after a transition.
type Action uint8

const (
	// ActionConnect starts an L2CAP connect to the configured peer.
	ActionConnect Action = iota + 1

	// ActionDisconnect tears down the L2CAP channel and resets the
	// BNEP channel.
	ActionDisconnect

	// ActionOpenChannel starts the BNEP setup handshake.
	ActionOpenChannel

	// ActionResendSetup retransmits the BNEP setup request.
	ActionResendSetup

	// ActionLinkUp flips the netif link up and starts DHCP.
	ActionLinkUp

	// ActionLinkDown flips the netif link down and stops DHCP.
	ActionLinkDown

	// ActionRestartDHCP restarts address acquisition on a live link.
	ActionRestartDHCP

	// ActionScheduleReconnect computes the next backoff delay.
	ActionScheduleReconnect

	// ActionResetBackoff clears the backoff delay and attempt count.
	ActionResetBackoff
)

// actionNames maps actions to human-readable strings.
var actionNames = [10]string{
	"",
	"Connect",
	"Disconnect",
	"OpenChannel",
	"ResendSetup",
	"LinkUp",
	"LinkDown",
	"RestartDHCP",
	"ScheduleReconnect",
	"ResetBackoff",
}

// String returns the human-readable name for the action.
func (a Action) String() string {
	if int(a) > 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "Unknown"
}

// stateEvent is the transition table key.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side effects of one table
// entry.
type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event.
type Result struct {
	// OldState is the state before the event.
	OldState State

	// NewState is the state after the event; equal to OldState when
	// the event is ignored or the transition re-enters the state.
	NewState State

	// Actions lists the side effects the driver must execute.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool

	// Handled is true when the (state, event) pair had a table entry.
	// Re-entrant transitions (BnepSetup timeout retry) are Handled
	// but not Changed.
	Handled bool
}

// fsmTable is the complete supervisor transition table. Unlisted
// (state, event) pairs are ignored. Stop is handled out of table by
// Apply because it applies uniformly to every non-idle state.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// Idle: only Start leaves it.
	{StateIdle, EventStart}: {
		newState: StateConnecting,
		actions:  []Action{ActionResetBackoff, ActionConnect},
	},

	// Connecting.
	{StateConnecting, EventL2CAPConnected}: {
		newState: StateBnepSetup,
		actions:  []Action{ActionOpenChannel},
	},
	{StateConnecting, EventL2CAPConnectFailed}: {
		newState: StateReconnecting,
		actions:  []Action{ActionDisconnect, ActionScheduleReconnect},
	},

	// BnepSetup.
	{StateBnepSetup, EventSetupSuccess}: {
		newState: StateDhcp,
		actions:  []Action{ActionResetBackoff, ActionLinkUp},
	},
	{StateBnepSetup, EventSetupRejected}: {
		newState: StateReconnecting,
		actions:  []Action{ActionDisconnect, ActionScheduleReconnect},
	},
	{StateBnepSetup, EventSetupTimeoutRetry}: {
		newState: StateBnepSetup,
		actions:  []Action{ActionResendSetup},
	},
	{StateBnepSetup, EventSetupTimeoutExhausted}: {
		newState: StateReconnecting,
		actions:  []Action{ActionDisconnect, ActionScheduleReconnect},
	},
	{StateBnepSetup, EventL2CAPDisconnected}: {
		newState: StateReconnecting,
		actions:  []Action{ActionScheduleReconnect},
	},

	// Dhcp.
	{StateDhcp, EventIPAcquired}: {
		newState: StateOnline,
		actions:  []Action{ActionResetBackoff},
	},
	{StateDhcp, EventL2CAPDisconnected}: {
		newState: StateReconnecting,
		actions:  []Action{ActionLinkDown, ActionScheduleReconnect},
	},

	// Online.
	{StateOnline, EventIPLost}: {
		newState: StateDhcp,
		actions:  []Action{ActionRestartDHCP},
	},
	{StateOnline, EventL2CAPDisconnected}: {
		newState: StateReconnecting,
		actions:  []Action{ActionLinkDown, ActionScheduleReconnect},
	},

	// Reconnecting.
	{StateReconnecting, EventReconnectDelayElapsed}: {
		newState: StateConnecting,
		actions:  []Action{ActionConnect},
	},
	{StateReconnecting, EventReconnectExhausted}: {
		newState: StateError,
		actions:  nil,
	},
}

// stopTransition is the uniform Stop handling for every state except
// Idle (where Stop is a no-op).
var stopTransition = transition{
	newState: StateIdle,
	actions:  []Action{ActionLinkDown, ActionDisconnect, ActionResetBackoff},
}

// Apply applies an event to the given state and returns the result.
// Pure function: the driver executes the returned actions.
func Apply(current State, event Event) Result {
	if event == EventStop {
		if current == StateIdle {
			return Result{OldState: current, NewState: current}
		}
		return Result{
			OldState: current,
			NewState: stopTransition.newState,
			Actions:  stopTransition.actions,
			Changed:  true,
			Handled:  true,
		}
	}

	tr, ok := fsmTable[stateEvent{state: current, event: event}]
	if !ok {
		return Result{OldState: current, NewState: current}
	}
	return Result{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
		Handled:  true,
	}
}
