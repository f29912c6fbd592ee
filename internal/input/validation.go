package input

import (
	"math"
	"sync"
	"time"

	"snowbiome/server/internal/logging"
)

// ValidationReason identifies why a control was rejected by the validator.
type ValidationReason string

const (
	ValidationReasonNone           ValidationReason = ""
	ValidationReasonNotFinite      ValidationReason = "not_finite"
	ValidationReasonLookRange      ValidationReason = "look_range"
	ValidationReasonUnknownKey     ValidationReason = "unknown_key"
	ValidationReasonCooldownActive ValidationReason = "cooldown_active"
)

// Control is the part of a control message the validator inspects.
type Control struct {
	Key    string
	HasKey bool
	LookDX float64
	LookDY float64
}

// ControlConstraints configures range checks and the punishment for repeated violations.
type ControlConstraints struct {
	MaxLookDelta       float64
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// DefaultControlConstraints is the baseline for browser clients.
var DefaultControlConstraints = ControlConstraints{
	MaxLookDelta:       4000,
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// ValidationDecision summarises the result of a Validate call.
type ValidationDecision struct {
	Accepted   bool
	Reason     ValidationReason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

type validatorClient struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// Validator rejects malformed controls and escalates clients that keep sending
// them: repeated bursts earn a cooldown and repeated cooldowns a disconnect.
type Validator struct {
	mu      sync.Mutex
	cfg     ControlConstraints
	clock   Clock
	logger  *logging.Logger
	clients map[string]*validatorClient
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the clock used to determine cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewValidator builds a validator, filling unset constraints from the defaults.
func NewValidator(cfg ControlConstraints, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	if cfg.MaxLookDelta <= 0 {
		cfg.MaxLookDelta = DefaultControlConstraints.MaxLookDelta
	}
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultControlConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultControlConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultControlConstraints.CooldownDuration
	}
	if cfg.MaxCooldownStrikes <= 0 {
		cfg.MaxCooldownStrikes = DefaultControlConstraints.MaxCooldownStrikes
	}
	validator := &Validator{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*validatorClient),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// Validate checks a control and records any violation against the client.
func (v *Validator) Validate(clientID string, control Control) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()
	client := v.clients[clientID]
	if client == nil {
		client = &validatorClient{}
		v.clients[clientID] = client
	}

	//1.- Refuse everything while a cooldown is running.
	if now.Before(client.cooldownUntil) {
		return ValidationDecision{Reason: ValidationReasonCooldownActive, Cooldown: client.cooldownUntil.Sub(now)}
	}

	reason := v.check(control)
	if reason == ValidationReasonNone {
		client.invalidCount = 0
		return ValidationDecision{Accepted: true}
	}
	return v.violationLocked(clientID, client, now, reason)
}

func (v *Validator) check(control Control) ValidationReason {
	if math.IsNaN(control.LookDX) || math.IsNaN(control.LookDY) || math.IsInf(control.LookDX, 0) || math.IsInf(control.LookDY, 0) {
		return ValidationReasonNotFinite
	}
	if math.Abs(control.LookDX) > v.cfg.MaxLookDelta || math.Abs(control.LookDY) > v.cfg.MaxLookDelta {
		return ValidationReasonLookRange
	}
	if control.HasKey {
		if _, err := ParseKey(control.Key); err != nil {
			return ValidationReasonUnknownKey
		}
	}
	return ValidationReasonNone
}

func (v *Validator) violationLocked(clientID string, client *validatorClient, now time.Time, reason ValidationReason) ValidationDecision {
	decision := ValidationDecision{Reason: reason}

	//1.- Count violations inside a sliding burst window.
	if client.invalidCount == 0 || now.Sub(client.firstInvalid) > v.cfg.InvalidBurstWindow {
		client.firstInvalid = now
		client.invalidCount = 1
	} else {
		client.invalidCount++
	}
	decision.Warn = v.cfg.InvalidBurstLimit-client.invalidCount == 1

	//2.- A full burst starts a cooldown; too many cooldowns end the connection.
	if client.invalidCount >= v.cfg.InvalidBurstLimit {
		client.cooldownUntil = now.Add(v.cfg.CooldownDuration)
		client.invalidCount = 0
		client.strikes++
		decision.Cooldown = v.cfg.CooldownDuration
		decision.Disconnect = client.strikes >= v.cfg.MaxCooldownStrikes
		v.logger.Debug("control validator cooldown",
			logging.String("client_id", clientID),
			logging.String("reason", string(reason)),
			logging.Int("strikes", client.strikes),
		)
	}
	return decision
}

// Forget clears all state for the specified client.
func (v *Validator) Forget(clientID string) {
	if v == nil || clientID == "" {
		return
	}
	v.mu.Lock()
	delete(v.clients, clientID)
	v.mu.Unlock()
}
