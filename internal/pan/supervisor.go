package pan

import (
	"errors"
	"log/slog"
	"math"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/tick"
)

// -------------------------------------------------------------------------
// Timeouts and Defaults
// -------------------------------------------------------------------------

// Default timing parameters, overridable per Config.
const (
	// DefaultConnectTimeoutMS bounds one L2CAP connect attempt.
	DefaultConnectTimeoutMS = 10000

	// DefaultSetupTimeoutMS bounds one BNEP setup request/response
	// round trip.
	DefaultSetupTimeoutMS = 5000

	// DefaultSetupRetries is how many times the setup request is
	// retransmitted before the attempt is abandoned.
	DefaultSetupRetries = 3

	// DefaultDHCPTimeoutMS is observational only: address acquisition
	// slower than this is logged, never aborted. The IP stack keeps
	// trying on its own schedule.
	DefaultDHCPTimeoutMS = 30000

	// DefaultReconnectIntervalMS is the first backoff delay.
	DefaultReconnectIntervalMS = 1000

	// DefaultReconnectMaxMS caps the doubled backoff delay.
	DefaultReconnectMaxMS = 30000

	// DefaultHeartbeatIntervalMS is reserved for a future link-health
	// monitor; the supervisor does not act on it.
	DefaultHeartbeatIntervalMS = 15000

	// DefaultHeartbeatRetries is reserved alongside the heartbeat
	// interval.
	DefaultHeartbeatRetries = 3
)

// NoTimeout is the NextTimeout value in states with no pending timer.
const NoTimeout = math.MaxUint32

// Config carries the supervisor's tunables. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// ReconnectIntervalMS is the first backoff delay after a failure.
	ReconnectIntervalMS uint16

	// ReconnectMaxMS caps the exponential backoff.
	ReconnectMaxMS uint16

	// MaxReconnectAttempts bounds reconnection; 0 means unlimited.
	MaxReconnectAttempts uint8

	// HeartbeatIntervalMS is reserved; the supervisor ignores it.
	HeartbeatIntervalMS uint16

	// HeartbeatRetries is reserved; the supervisor ignores it.
	HeartbeatRetries uint8

	// ConnectTimeoutMS bounds one L2CAP connect attempt.
	ConnectTimeoutMS uint32

	// SetupTimeoutMS bounds one setup round trip.
	SetupTimeoutMS uint32

	// SetupRetries bounds setup retransmissions.
	SetupRetries uint8

	// DHCPTimeoutMS is the observational DHCP deadline.
	DHCPTimeoutMS uint32
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectIntervalMS:  DefaultReconnectIntervalMS,
		ReconnectMaxMS:       DefaultReconnectMaxMS,
		MaxReconnectAttempts: 0,
		HeartbeatIntervalMS:  DefaultHeartbeatIntervalMS,
		HeartbeatRetries:     DefaultHeartbeatRetries,
		ConnectTimeoutMS:     DefaultConnectTimeoutMS,
		SetupTimeoutMS:       DefaultSetupTimeoutMS,
		SetupRetries:         DefaultSetupRetries,
		DHCPTimeoutMS:        DefaultDHCPTimeoutMS,
	}
}

// Lifecycle errors.
var (
	// ErrAlreadyStarted indicates Start on a non-idle supervisor.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// -------------------------------------------------------------------------
// Ports
// -------------------------------------------------------------------------

// Ports is the supervisor's capability set: one function per side
// effect, wired by the owning core. The supervisor never holds its
// collaborators directly, which keeps the channel, bridge and
// supervisor free of mutual ownership.
type Ports struct {
	// Connect starts an L2CAP connect to the configured peer.
	Connect func()

	// Disconnect tears down the L2CAP channel and resets the BNEP
	// channel state.
	Disconnect func()

	// OpenChannel starts the BNEP setup handshake.
	OpenChannel func()

	// ResendSetup retransmits the setup request.
	ResendSetup func()

	// LinkUp flips the netif link up and starts DHCP.
	LinkUp func()

	// LinkDown flips the netif link down and stops DHCP.
	LinkDown func()

	// RestartDHCP restarts address acquisition on a live link.
	RestartDHCP func()

	// OnStateChange observes every transition, after it completed.
	OnStateChange func(oldState, newState State)

	// OnReconnectAttempt observes each reconnect attempt as it is
	// dispatched. attempt is the running count since the last
	// successful handshake.
	OnReconnectAttempt func(attempt uint32)
}

// -------------------------------------------------------------------------
// Supervisor
// -------------------------------------------------------------------------

// Timing is the supervisor's clock state, exported for observability.
type Timing struct {
	// StateEnteredAt anchors the current state's timeout.
	StateEnteredAt uint32

	// LastActionAt anchors re-entrant actions (setup retransmits).
	LastActionAt uint32

	// CurrentReconnectDelayMS is the active backoff delay; zero until
	// the first failure after a reset.
	CurrentReconnectDelayMS uint32

	// ReconnectAttempts counts connect attempts since the last
	// successful handshake.
	ReconnectAttempts uint32

	// SetupRetries counts setup retransmissions in the current
	// BnepSetup visit.
	SetupRetries uint8
}

// Supervisor drives the connection lifecycle. Strictly single-
// threaded: every method must be called from the polling thread.
type Supervisor struct {
	cfg    Config
	ports  Ports
	log    *slog.Logger
	state  State
	timing Timing

	// dhcpDeadlineLogged suppresses repeated logging of the
	// observational DHCP deadline.
	dhcpDeadlineLogged bool
}

// New creates an idle supervisor. logger may be nil.
func New(cfg Config, ports Ports, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:   cfg,
		ports: ports,
		log:   logger,
		state: StateIdle,
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	return s.state
}

// Timing returns a snapshot of the supervisor's clock state.
func (s *Supervisor) Timing() Timing {
	return s.timing
}

// Start begins connecting. Fails with ErrAlreadyStarted unless idle.
func (s *Supervisor) Start(now uint32) error {
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	s.apply(EventStart, now)
	return nil
}

// Stop tears everything down and returns to Idle. No-op when idle.
func (s *Supervisor) Stop(now uint32) {
	s.apply(EventStop, now)
}

// -------------------------------------------------------------------------
// External event entry points
// -------------------------------------------------------------------------

// OnL2CAPConnected is called when the radio reports the channel open.
func (s *Supervisor) OnL2CAPConnected(now uint32) {
	s.apply(EventL2CAPConnected, now)
}

// OnL2CAPConnectFailed is called when the radio reports the connect
// attempt failed.
func (s *Supervisor) OnL2CAPConnectFailed(now uint32) {
	s.apply(EventL2CAPConnectFailed, now)
}

// OnL2CAPDisconnected is called when the established channel drops.
func (s *Supervisor) OnL2CAPDisconnected(now uint32) {
	s.apply(EventL2CAPDisconnected, now)
}

// OnSetupResult is called with the outcome of the BNEP handshake.
func (s *Supervisor) OnSetupResult(success bool, now uint32) {
	if success {
		s.apply(EventSetupSuccess, now)
	} else {
		s.apply(EventSetupRejected, now)
	}
}

// OnIPAcquired is called when the IP stack publishes an address.
func (s *Supervisor) OnIPAcquired(now uint32) {
	s.apply(EventIPAcquired, now)
}

// OnIPLost is called when the IP stack loses its address.
func (s *Supervisor) OnIPLost(now uint32) {
	s.apply(EventIPLost, now)
}

// -------------------------------------------------------------------------
// Timer processing
// -------------------------------------------------------------------------

// Process evaluates the current state's timers. Call it once per pump
// cycle; it is cheap when nothing expired.
func (s *Supervisor) Process(now uint32) {
	switch s.state {
	case StateConnecting:
		if tick.HasElapsed(now, s.timing.StateEnteredAt, s.cfg.ConnectTimeoutMS) {
			s.log.Warn("l2cap connect timed out",
				"after_ms", s.cfg.ConnectTimeoutMS)
			s.apply(EventL2CAPConnectFailed, now)
		}

	case StateBnepSetup:
		if tick.HasElapsed(now, s.timing.LastActionAt, s.cfg.SetupTimeoutMS) {
			if s.timing.SetupRetries < s.cfg.SetupRetries {
				s.timing.SetupRetries++
				s.log.Info("bnep setup timed out, retrying",
					"retry", s.timing.SetupRetries,
					"max", s.cfg.SetupRetries)
				s.apply(EventSetupTimeoutRetry, now)
			} else {
				s.log.Warn("bnep setup retries exhausted",
					"retries", s.timing.SetupRetries)
				s.apply(EventSetupTimeoutExhausted, now)
			}
		}

	case StateDhcp:
		if !s.dhcpDeadlineLogged &&
			tick.HasElapsed(now, s.timing.StateEnteredAt, s.cfg.DHCPTimeoutMS) {
			// Observational only: the IP stack keeps retrying.
			s.dhcpDeadlineLogged = true
			s.log.Warn("dhcp slower than expected",
				"after_ms", s.cfg.DHCPTimeoutMS)
		}

	case StateReconnecting:
		if tick.HasElapsed(now, s.timing.StateEnteredAt, s.timing.CurrentReconnectDelayMS) {
			limit := uint32(s.cfg.MaxReconnectAttempts)
			if limit > 0 && s.timing.ReconnectAttempts >= limit {
				s.log.Error("reconnect attempts exhausted",
					"attempts", s.timing.ReconnectAttempts)
				s.apply(EventReconnectExhausted, now)
			} else {
				s.timing.ReconnectAttempts++
				s.log.Info("reconnecting",
					"attempt", s.timing.ReconnectAttempts,
					"delay_ms", s.timing.CurrentReconnectDelayMS)
				if s.ports.OnReconnectAttempt != nil {
					s.ports.OnReconnectAttempt(s.timing.ReconnectAttempts)
				}
				s.apply(EventReconnectDelayElapsed, now)
			}
		}

	case StateIdle, StateOnline, StateError, StateScanning, StateStalled:
		// No timers.
	}
}

// NextTimeout returns the milliseconds until the current state's
// timer fires, or NoTimeout when the state has none. The facade uses
// it to bound the host's sleep.
func (s *Supervisor) NextTimeout(now uint32) uint32 {
	switch s.state {
	case StateConnecting:
		return tick.Remaining(now, s.timing.StateEnteredAt, s.cfg.ConnectTimeoutMS)
	case StateBnepSetup:
		return tick.Remaining(now, s.timing.LastActionAt, s.cfg.SetupTimeoutMS)
	case StateDhcp:
		if s.dhcpDeadlineLogged {
			return NoTimeout
		}
		return tick.Remaining(now, s.timing.StateEnteredAt, s.cfg.DHCPTimeoutMS)
	case StateReconnecting:
		return tick.Remaining(now, s.timing.StateEnteredAt, s.timing.CurrentReconnectDelayMS)
	default:
		return NoTimeout
	}
}

// -------------------------------------------------------------------------
// FSM application
// -------------------------------------------------------------------------

// apply runs one event through the FSM and executes its actions.
// State bookkeeping is finished before any port function runs, so
// collaborators observe a consistent supervisor.
func (s *Supervisor) apply(event Event, now uint32) {
	res := Apply(s.state, event)
	if !res.Handled {
		if res.OldState != StateIdle || event != EventStop {
			s.log.Debug("event ignored", "state", s.state, "event", event)
		}
		return
	}

	s.state = res.NewState
	s.timing.LastActionAt = now
	if res.Changed {
		s.timing.StateEnteredAt = now
		s.log.Info("supervisor state", "from", res.OldState, "to", res.NewState,
			"event", event)
	}

	// Per-state entry bookkeeping.
	if res.Changed && res.NewState == StateBnepSetup {
		s.timing.SetupRetries = 0
	}
	if res.Changed && res.NewState == StateDhcp {
		s.dhcpDeadlineLogged = false
	}

	for _, a := range res.Actions {
		s.runAction(a)
	}

	if res.Changed && s.ports.OnStateChange != nil {
		s.ports.OnStateChange(res.OldState, res.NewState)
	}
}

// runAction dispatches one FSM action to the wired port.
func (s *Supervisor) runAction(a Action) {
	switch a {
	case ActionConnect:
		if s.ports.Connect != nil {
			s.ports.Connect()
		}
	case ActionDisconnect:
		if s.ports.Disconnect != nil {
			s.ports.Disconnect()
		}
	case ActionOpenChannel:
		if s.ports.OpenChannel != nil {
			s.ports.OpenChannel()
		}
	case ActionResendSetup:
		if s.ports.ResendSetup != nil {
			s.ports.ResendSetup()
		}
	case ActionLinkUp:
		if s.ports.LinkUp != nil {
			s.ports.LinkUp()
		}
	case ActionLinkDown:
		if s.ports.LinkDown != nil {
			s.ports.LinkDown()
		}
	case ActionRestartDHCP:
		if s.ports.RestartDHCP != nil {
			s.ports.RestartDHCP()
		}
	case ActionScheduleReconnect:
		s.scheduleReconnect()
	case ActionResetBackoff:
		s.timing.CurrentReconnectDelayMS = 0
		s.timing.ReconnectAttempts = 0
	}
}

// scheduleReconnect advances the exponential backoff: the first
// failure uses the configured interval, each subsequent failure
// doubles it, capped at the configured maximum.
func (s *Supervisor) scheduleReconnect() {
	switch {
	case s.timing.CurrentReconnectDelayMS == 0:
		s.timing.CurrentReconnectDelayMS = uint32(s.cfg.ReconnectIntervalMS)
	default:
		doubled := s.timing.CurrentReconnectDelayMS * 2
		if doubled > uint32(s.cfg.ReconnectMaxMS) {
			doubled = uint32(s.cfg.ReconnectMaxMS)
		}
		s.timing.CurrentReconnectDelayMS = doubled
	}
	s.log.Debug("reconnect scheduled",
		"delay_ms", s.timing.CurrentReconnectDelayMS,
		"attempts", s.timing.ReconnectAttempts)
}
