// Package knock implements the runtime state machines that authenticate
// knocks one packet at a time.
package knock

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"cok/internal/action"
	"cok/internal/cidr"
	"cok/internal/metrics"
	"cok/internal/model"
)

// ErrInvalidAddress is returned by IsSourceValid for text that is not an IPv4 address.
var ErrInvalidAddress = errors.New("invalid address")

// Knock consumes packets and fires actions when a knock completes.
type Knock interface {
	CheckPacket(p *model.PacketContext)
	Descriptor() *model.Descriptor
	IsSourceValid(addr string) (bool, error)
	Desc() string
}

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*options)

// WithClock replaces time.Now, mainly for timeout tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the knock matching the descriptor's kind. The descriptor is
// validated and copied; later changes to d do not affect the knock.
func New(d *model.Descriptor, env *action.Env, opts ...Option) (Knock, error) {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", model.ErrInvalidDescriptor)
	}
	cfg := d.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case model.KindPortSequence:
		return newPortSequence(cfg, env, o), nil
	case model.KindUDPOTP:
		return newUDPOTP(cfg, env, o), nil
	case model.KindDNS:
		return newDNS(cfg, env, o), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidDescriptor, cfg.Kind)
}

// base holds what every variant shares: the success and bad-source actions
// and the valid-source set.
type base struct {
	cfg       *model.Descriptor
	desc      string
	success   *action.Action
	badSource *action.Action
	sources   cidr.Set
	logger    *slog.Logger
}

func newBase(cfg *model.Descriptor, env *action.Env, o options) base {
	return base{
		cfg:       cfg,
		desc:      cfg.Desc(),
		success:   action.New(cfg.SuccessRules, env),
		badSource: action.New(cfg.BadSourceRules, env),
		sources:   cfg.ValidSources,
		logger:    o.logger,
	}
}

func (b *base) Desc() string { return b.desc }

// IsSourceValid is true when no sources are configured or addr falls in one.
func (b *base) IsSourceValid(addr string) (bool, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return b.sources.Admits(ip), nil
}

func (b *base) fireSuccess(p *model.PacketContext) {
	b.logger.Info("Knock succeeded", "knock", b.desc, "src", p.Source())
	metrics.KnockEvent(b.desc, metrics.OutcomeSuccess)
	b.success.Execute(p, b.desc)
}

func (b *base) fireBadSource(p *model.PacketContext) {
	b.logger.Warn("Knock from invalid source", "knock", b.desc, "src", p.Source())
	metrics.KnockEvent(b.desc, metrics.OutcomeBadSource)
	b.badSource.Execute(p, b.desc)
}
