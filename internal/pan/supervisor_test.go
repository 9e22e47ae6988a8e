package pan_test

import (
	"errors"
	"testing"

	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pan"
)

// portRecorder wires every port to an action log.
type portRecorder struct {
	calls []string
}

func (p *portRecorder) ports() pan.Ports {
	rec := func(name string) func() {
		return func() { p.calls = append(p.calls, name) }
	}
	return pan.Ports{
		Connect:     rec("connect"),
		Disconnect:  rec("disconnect"),
		OpenChannel: rec("open"),
		ResendSetup: rec("resend"),
		LinkUp:      rec("linkup"),
		LinkDown:    rec("linkdown"),
		RestartDHCP: rec("restartdhcp"),
	}
}

func testConfig() pan.Config {
	cfg := pan.DefaultConfig()
	cfg.ReconnectIntervalMS = 100
	cfg.ReconnectMaxMS = 250
	return cfg
}

func TestStartOnlyFromIdle(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	s := pan.New(testConfig(), rec.ports(), nil)

	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != pan.StateConnecting {
		t.Fatalf("state = %v, want Connecting", got)
	}
	if err := s.Start(1); !errors.Is(err, pan.ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestHappyPathToOnline(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	s := pan.New(testConfig(), rec.ports(), nil)

	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnL2CAPConnected(10)
	if got := s.State(); got != pan.StateBnepSetup {
		t.Fatalf("state = %v, want BnepSetup", got)
	}
	s.OnSetupResult(true, 20)
	if got := s.State(); got != pan.StateDhcp {
		t.Fatalf("state = %v, want Dhcp", got)
	}
	s.OnIPAcquired(30)
	if got := s.State(); got != pan.StateOnline {
		t.Fatalf("state = %v, want Online", got)
	}

	want := []string{"connect", "open", "linkup"}
	if len(rec.calls) != 3 || rec.calls[0] != want[0] || rec.calls[1] != want[1] || rec.calls[2] != want[2] {
		t.Errorf("port calls = %v, want %v", rec.calls, want)
	}
}

// TestBoundedBackoff is the delay progression scenario: with
// interval=100 and max=250, three consecutive connect failures
// schedule delays of 100, 200 and 250 ms.
func TestBoundedBackoff(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	s := pan.New(testConfig(), rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	now := uint32(0)
	wantDelays := []uint32{100, 200, 250}
	for i, want := range wantDelays {
		s.OnL2CAPConnectFailed(now)
		if got := s.State(); got != pan.StateReconnecting {
			t.Fatalf("failure %d: state = %v, want Reconnecting", i, got)
		}
		if got := s.Timing().CurrentReconnectDelayMS; got != want {
			t.Errorf("failure %d: delay = %d, want %d", i, got, want)
		}

		// One tick short of the delay: must not fire.
		s.Process(now + want - 1)
		if got := s.State(); got != pan.StateReconnecting {
			t.Fatalf("failure %d: fired %d ms early", i, 1)
		}
		now += want
		s.Process(now)
		if got := s.State(); got != pan.StateConnecting {
			t.Fatalf("failure %d: state = %v, want Connecting after delay", i, got)
		}
	}
}

// TestMaxAttemptsTerminal is the attempt-cap scenario: with
// max_attempts=1 the first failure is retried once, the second lands
// in terminal Error.
func TestMaxAttemptsTerminal(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	rec := &portRecorder{}
	s := pan.New(cfg, rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.OnL2CAPConnectFailed(0)
	s.Process(100)
	if got := s.State(); got != pan.StateConnecting {
		t.Fatalf("state = %v, want Connecting (one retry allowed)", got)
	}

	s.OnL2CAPConnectFailed(100)
	s.Process(400)
	if got := s.State(); got != pan.StateError {
		t.Fatalf("state = %v, want Error", got)
	}

	// Terminal: further processing does not revive it.
	s.Process(10000)
	if got := s.State(); got != pan.StateError {
		t.Errorf("state = %v, want Error to be terminal", got)
	}
	if got := s.NextTimeout(10000); got != pan.NoTimeout {
		t.Errorf("NextTimeout in Error = %d, want NoTimeout", got)
	}
}

// TestBackoffResetOnSetupSuccess is the backoff-reset scenario:
// after a successful handshake, the next failure starts over at the
// base interval instead of continuing the doubling.
func TestBackoffResetOnSetupSuccess(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	s := pan.New(testConfig(), rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two failures inflate the delay to 200.
	s.OnL2CAPConnectFailed(0)
	s.Process(100)
	s.OnL2CAPConnectFailed(100)
	if got := s.Timing().CurrentReconnectDelayMS; got != 200 {
		t.Fatalf("delay = %d, want 200", got)
	}
	s.Process(300)

	// Reach Dhcp via a successful handshake, then lose the link.
	s.OnL2CAPConnected(310)
	s.OnSetupResult(true, 320)
	if got := s.State(); got != pan.StateDhcp {
		t.Fatalf("state = %v, want Dhcp", got)
	}
	s.OnL2CAPDisconnected(330)

	if got := s.Timing().CurrentReconnectDelayMS; got != 100 {
		t.Errorf("delay after reset = %d, want base interval 100", got)
	}
}

// TestSetupRetries: setup timeouts retransmit up to the limit, then
// give up into Reconnecting.
func TestSetupRetries(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SetupTimeoutMS = 50
	cfg.SetupRetries = 2
	rec := &portRecorder{}
	s := pan.New(cfg, rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnL2CAPConnected(0)

	// First timeout: retry 1.
	s.Process(50)
	if got := s.State(); got != pan.StateBnepSetup {
		t.Fatalf("state = %v, want BnepSetup after first retry", got)
	}
	// Second timeout: retry 2.
	s.Process(100)
	if got := s.State(); got != pan.StateBnepSetup {
		t.Fatalf("state = %v, want BnepSetup after second retry", got)
	}
	// Third timeout: exhausted.
	s.Process(150)
	if got := s.State(); got != pan.StateReconnecting {
		t.Fatalf("state = %v, want Reconnecting after exhaustion", got)
	}

	resends := 0
	for _, c := range rec.calls {
		if c == "resend" {
			resends++
		}
	}
	if resends != 2 {
		t.Errorf("resend count = %d, want 2", resends)
	}
}

// TestSetupRetryCounterResetsPerVisit: a fresh BnepSetup entry starts
// with a clean retry budget.
func TestSetupRetryCounterResetsPerVisit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SetupTimeoutMS = 50
	cfg.SetupRetries = 1
	rec := &portRecorder{}
	s := pan.New(cfg, rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.OnL2CAPConnected(0)
	s.Process(50)  // retry 1
	s.Process(100) // exhausted -> Reconnecting
	if got := s.State(); got != pan.StateReconnecting {
		t.Fatalf("state = %v, want Reconnecting", got)
	}

	s.Process(200) // delay elapsed -> Connecting
	s.OnL2CAPConnected(210)
	if got := s.Timing().SetupRetries; got != 0 {
		t.Errorf("setup retries = %d, want 0 on fresh visit", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConnectTimeoutMS = 1000
	rec := &portRecorder{}
	s := pan.New(cfg, rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Process(999)
	if got := s.State(); got != pan.StateConnecting {
		t.Fatalf("state = %v, want Connecting before timeout", got)
	}
	s.Process(1000)
	if got := s.State(); got != pan.StateReconnecting {
		t.Fatalf("state = %v, want Reconnecting after timeout", got)
	}
}

// TestReconnectAcrossTickWrap schedules a reconnect just before the
// 32-bit tick wraps and verifies the delay fires exactly on time on
// the other side of the boundary.
func TestReconnectAcrossTickWrap(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	s := pan.New(testConfig(), rec.ports(), nil)

	anchor := uint32(0xFFFFFFFF)
	if err := s.Start(anchor - 10); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnL2CAPConnectFailed(anchor) // delay 100, anchored at 0xFFFFFFFF

	s.Process(anchor + 99) // wrapped tick 98
	if got := s.State(); got != pan.StateReconnecting {
		t.Fatal("reconnect fired 1 ms early across wrap")
	}
	s.Process(anchor + 100) // wrapped tick 99
	if got := s.State(); got != pan.StateConnecting {
		t.Fatalf("state = %v, want Connecting exactly at delay across wrap", got)
	}
}

func TestNextTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConnectTimeoutMS = 1000
	rec := &portRecorder{}
	s := pan.New(cfg, rec.ports(), nil)

	if got := s.NextTimeout(0); got != pan.NoTimeout {
		t.Errorf("idle NextTimeout = %d, want NoTimeout", got)
	}

	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.NextTimeout(400); got != 600 {
		t.Errorf("connecting NextTimeout = %d, want 600", got)
	}

	s.OnL2CAPConnected(500)
	if got := s.NextTimeout(500); got != pan.DefaultSetupTimeoutMS {
		t.Errorf("setup NextTimeout = %d, want %d", got, pan.DefaultSetupTimeoutMS)
	}

	s.OnSetupResult(true, 600)
	if got := s.NextTimeout(600); got != pan.DefaultDHCPTimeoutMS {
		t.Errorf("dhcp NextTimeout = %d, want %d", got, pan.DefaultDHCPTimeoutMS)
	}

	s.OnIPAcquired(700)
	if got := s.NextTimeout(700); got != pan.NoTimeout {
		t.Errorf("online NextTimeout = %d, want NoTimeout", got)
	}
}

func TestStopFromAnyStateResets(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	s := pan.New(testConfig(), rec.ports(), nil)
	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnL2CAPConnected(1)
	s.OnSetupResult(true, 2)
	s.OnIPAcquired(3)

	s.Stop(4)

	if got := s.State(); got != pan.StateIdle {
		t.Fatalf("state = %v, want Idle", got)
	}
	timing := s.Timing()
	if timing.CurrentReconnectDelayMS != 0 || timing.ReconnectAttempts != 0 {
		t.Errorf("timing not reset: %+v", timing)
	}

	// Restartable.
	if err := s.Start(5); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
}

// TestStateChangeObserver: the observer sees every transition exactly
// once, in order.
func TestStateChangeObserver(t *testing.T) {
	t.Parallel()

	rec := &portRecorder{}
	ports := rec.ports()
	var seen []pan.State
	ports.OnStateChange = func(_, newState pan.State) {
		seen = append(seen, newState)
	}
	s := pan.New(testConfig(), ports, nil)

	if err := s.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.OnL2CAPConnected(1)
	s.OnSetupResult(true, 2)
	s.OnIPAcquired(3)
	s.Stop(4)

	want := []pan.State{
		pan.StateConnecting, pan.StateBnepSetup, pan.StateDhcp,
		pan.StateOnline, pan.StateIdle,
	}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v, want %v", seen, want)
		}
	}
}
