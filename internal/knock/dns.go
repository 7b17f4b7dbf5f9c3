package knock

import (
	"strings"

	"github.com/miekg/dns"

	"cok/internal/action"
	"cok/internal/model"
)

// DNS is a UDP OTP knock carried in the first label of a query name under
// the knock domain. Queries are only observed, never answered.
type DNS struct {
	*UDPOTP
	domain string
}

func newDNS(cfg *model.Descriptor, env *action.Env, o options) *DNS {
	return &DNS{
		UDPOTP: newUDPOTP(cfg, env, o),
		domain: strings.TrimSuffix(cfg.OTP.KnockDomain, "."),
	}
}

func (k *DNS) CheckPacket(p *model.PacketContext) {
	if p == nil || p.Proto != model.UDP || !p.HasTransport || p.DstPort != model.DNSPort {
		return
	}
	carriers, err := ExtractOTP(p.Payload, k.domain)
	if err != nil {
		k.logger.Debug("Ignoring malformed DNS payload", "knock", k.desc, "src", p.Source(), "error", err)
		return
	}
	for _, c := range carriers {
		k.checkReadable(c, p)
	}
}

// ExtractOTP decodes a DNS message and returns, for every question whose name
// ends with domain, the leftmost label with underscores turned into spaces.
func ExtractOTP(payload []byte, domain string) ([]string, error) {
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		return nil, err
	}
	suffix := strings.ToLower(strings.TrimSuffix(domain, "."))
	var carriers []string
	for _, q := range msg.Question {
		name := strings.TrimSuffix(q.Name, ".")
		if !strings.HasSuffix(strings.ToLower(name), suffix) {
			continue
		}
		label, _, _ := strings.Cut(name, ".")
		carriers = append(carriers, strings.ReplaceAll(label, "_", " "))
	}
	return carriers, nil
}
