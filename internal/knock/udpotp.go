package knock

import (
	"bytes"
	"slices"
	"sync"

	"cok/internal/action"
	"cok/internal/metrics"
	"cok/internal/model"
	"cok/pkg/otp"
)

// UDPOTP verifies S/Key style passwords sent as UDP payloads. Each accepted
// password becomes the value the following password must hash to.
type UDPOTP struct {
	base
	port   uint16
	algo   otp.Algorithm
	replay *action.Action

	mu      sync.Mutex
	nextOTP []byte
	used    map[string]struct{}
}

func newUDPOTP(cfg *model.Descriptor, env *action.Env, o options) *UDPOTP {
	k := &UDPOTP{
		base:    newBase(cfg, env, o),
		port:    cfg.OTP.Port,
		algo:    cfg.OTP.Algorithm,
		replay:  action.New(cfg.OTP.ReplayRules, env),
		nextOTP: bytes.Clone(cfg.OTP.NextOTP),
		used:    make(map[string]struct{}, len(cfg.OTP.UsedPasswords)),
	}
	for _, pw := range cfg.OTP.UsedPasswords {
		if canon, err := otp.Canonical(pw); err == nil {
			pw = canon
		}
		k.used[pw] = struct{}{}
	}
	return k
}

func (k *UDPOTP) CheckPacket(p *model.PacketContext) {
	if p == nil || p.Proto != model.UDP || !p.HasTransport || p.DstPort != k.port {
		return
	}
	k.checkReadable(string(p.Payload), p)
}

// checkReadable runs the match and replay logic for one submitted password.
// Payloads that do not decode are noise and only logged at debug level.
func (k *UDPOTP) checkReadable(submitted string, p *model.PacketContext) {
	raw, err := otp.FromReadable(submitted)
	if err != nil {
		k.logger.Debug("Ignoring non-OTP payload", "knock", k.desc, "src", p.Source(), "error", err)
		return
	}
	canon, err := otp.ToReadable(raw)
	if err != nil {
		return
	}
	folded, err := otp.Step(k.algo, raw)
	if err != nil {
		k.logger.Debug("Failed to hash submitted OTP", "knock", k.desc, "error", err)
		return
	}

	k.mu.Lock()
	if bytes.Equal(folded, k.nextOTP) {
		if !k.sources.Admits(p.SrcIP) {
			k.mu.Unlock()
			k.fireBadSource(p)
			return
		}
		k.used[canon] = struct{}{}
		k.nextOTP = raw
		k.mu.Unlock()
		k.fireSuccess(p)
		return
	}
	_, replayed := k.used[canon]
	k.mu.Unlock()

	if replayed {
		k.logger.Warn("Replayed OTP", "knock", k.desc, "src", p.Source())
		metrics.KnockEvent(k.desc, metrics.OutcomeReplay)
		k.replay.Execute(p, k.desc)
	}
}

// Descriptor snapshots the configuration together with the chain cursor and replay ledger.
func (k *UDPOTP) Descriptor() *model.Descriptor {
	d := k.cfg.Clone()
	k.mu.Lock()
	d.OTP.NextOTP = bytes.Clone(k.nextOTP)
	used := make([]string, 0, len(k.used))
	for pw := range k.used {
		used = append(used, pw)
	}
	k.mu.Unlock()
	slices.Sort(used)
	d.OTP.UsedPasswords = used
	return d
}
