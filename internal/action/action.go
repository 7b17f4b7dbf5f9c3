// Package action executes the rule sets attached to knocks.
package action

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"cok/internal/model"
)

// Rule tokens substituted before a rule runs.
const (
	TokenSrcIP     = "__SRC_IP__"
	TokenDestIP    = "__DEST_IP__"
	TokenSrcPort   = "__SRC_PORT__"
	TokenDestPort  = "__DEST_PORT__"
	TokenKnockDesc = "__KNOCKDESC__"

	PrefixLog   = "__LOG__"
	PrefixPrint = "__PRINT__"
)

// Launcher starts an external command without waiting for it to finish.
type Launcher interface {
	Launch(argv []string) error
}

// Enricher adds attributes describing a knock source to log records.
type Enricher interface {
	Attrs(ip net.IP) []any
}

// Env is shared by every action of a daemon.
type Env struct {
	Logger   *slog.Logger
	Stdout   io.Writer
	Launcher Launcher
	Enricher Enricher
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Action runs one rule set.
type Action struct {
	rules model.RuleSet
	env   *Env
}

func New(rules model.RuleSet, env *Env) *Action {
	return &Action{rules: rules.Clone(), env: env}
}

// Execute runs every rule in order. Failures are logged and do not stop the
// remaining rules. ctx may be nil and knockDesc may be empty.
func (a *Action) Execute(ctx *model.PacketContext, knockDesc string) {
	logger := a.env.logger()
	for _, raw := range a.rules {
		rule := strings.TrimSpace(raw)
		if rule == "" {
			continue
		}
		rule = Substitute(rule, ctx, knockDesc)

		switch {
		case strings.HasPrefix(rule, PrefixLog):
			msg := strings.TrimSpace(strings.TrimPrefix(rule, PrefixLog))
			attrs := []any{"knock", knockDesc}
			if ctx != nil {
				attrs = append(attrs, "src", ctx.Source())
				if a.env != nil && a.env.Enricher != nil {
					attrs = append(attrs, a.env.Enricher.Attrs(ctx.SrcIP)...)
				}
			}
			logger.Info(msg, attrs...)
		case strings.HasPrefix(rule, PrefixPrint):
			out := io.Writer(os.Stdout)
			if a.env != nil && a.env.Stdout != nil {
				out = a.env.Stdout
			}
			fmt.Fprintln(out, strings.TrimSpace(strings.TrimPrefix(rule, PrefixPrint)))
		default:
			argv := strings.Fields(rule)
			if a.env == nil || a.env.Launcher == nil {
				logger.Warn("No launcher configured, skipping rule command", "knock", knockDesc, "command", rule)
				continue
			}
			if err := a.env.Launcher.Launch(argv); err != nil {
				logger.Error("Failed to launch rule command", "knock", knockDesc, "command", rule, "error", err)
			}
		}
	}
}

// Substitute replaces the rule tokens that the packet context can satisfy.
// Port tokens need a transport-layer context.
func Substitute(rule string, ctx *model.PacketContext, knockDesc string) string {
	if ctx != nil {
		if ctx.SrcIP != nil {
			rule = strings.ReplaceAll(rule, TokenSrcIP, ctx.SrcIP.String())
		}
		if ctx.DstIP != nil {
			rule = strings.ReplaceAll(rule, TokenDestIP, ctx.DstIP.String())
		}
		if ctx.HasTransport {
			rule = strings.ReplaceAll(rule, TokenSrcPort, strconv.Itoa(int(ctx.SrcPort)))
			rule = strings.ReplaceAll(rule, TokenDestPort, strconv.Itoa(int(ctx.DstPort)))
		}
	}
	if knockDesc != "" {
		rule = strings.ReplaceAll(rule, TokenKnockDesc, knockDesc)
	}
	return rule
}
