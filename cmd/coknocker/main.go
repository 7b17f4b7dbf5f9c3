package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"cok/internal/parser"
	"cok/internal/prompt"
	"cok/pkg/otp"
)

var (
	dialTimeout time.Duration
	delay       time.Duration
	algorithm   string
	seed        string
	passphrase  string
	count       int
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "coknocker",
		Short:        "Send knocks to a cokd protected host",
		SilenceUsage: true,
	}

	udpCmd := &cobra.Command{
		Use:   "udp <host> <port> <otp words...>",
		Short: "Send a one-time password as a UDP datagram",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runUDP,
	}
	dnsCmd := &cobra.Command{
		Use:   "dns <server> <domain> <otp words...>",
		Short: "Send a one-time password as a DNS query under domain",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runDNS,
	}
	portseqCmd := &cobra.Command{
		Use:   "portseq <host> <sequence>",
		Short: "Knock a TCP port sequence such as \"1000-1002, 3000\"",
		Args:  cobra.ExactArgs(2),
		RunE:  runPortSeq,
	}
	portseqCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 300*time.Millisecond, "Connection attempt timeout per port")
	portseqCmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "Pause between ports")

	otpCmd := &cobra.Command{
		Use:   "otp",
		Short: "Print the password for sequence number count",
		Long: `otp prints the six-word response to an "otp-<algorithm> <count> <seed>"
challenge. For a list generated with count C, password i of the list is count C-i.`,
		Args: cobra.NoArgs,
		RunE: runOTP,
	}
	otpCmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(otp.MD5), "Hash algorithm (md5, sha1)")
	otpCmd.Flags().StringVar(&seed, "seed", "", "Seed, normally the knock rule name (required)")
	otpCmd.Flags().StringVar(&passphrase, "passphrase", "", "Secret passphrase (prompted when empty)")
	otpCmd.Flags().IntVarP(&count, "count", "n", 0, "Sequence number")
	otpCmd.MarkFlagRequired("seed")
	otpCmd.MarkFlagRequired("count")

	rootCmd.AddCommand(udpCmd, dnsCmd, portseqCmd, otpCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runUDP(cmd *cobra.Command, args []string) error {
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("invalid port %q", args[1])
	}
	words, err := canonicalWords(args[2:])
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(args[0], strconv.FormatUint(port, 10))
	if err := sendUDP(addr, []byte(words)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %q to %s\n", words, addr)
	return nil
}

func runDNS(cmd *cobra.Command, args []string) error {
	words, err := canonicalWords(args[2:])
	if err != nil {
		return err
	}
	query, name, err := buildDNSQuery(args[1], words)
	if err != nil {
		return err
	}
	addr := args[0]
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	if err := sendUDP(addr, query); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queried %s via %s\n", name, addr)
	return nil
}

func runPortSeq(cmd *cobra.Command, args []string) error {
	ports, err := parser.ParsePortSequence(args[1])
	if err != nil {
		return err
	}
	if err := knockPorts(cmd.Context(), args[0], ports, dialTimeout, delay); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "knocked %d ports on %s\n", len(ports), args[0])
	return nil
}

func runOTP(cmd *cobra.Command, args []string) error {
	algo, err := otp.ParseAlgorithm(algorithm)
	if err != nil {
		return err
	}
	secret := passphrase
	if secret == "" {
		if secret, err = prompt.Passphrase(cmd.InOrStdin(), cmd.ErrOrStderr(), "Passphrase: "); err != nil {
			return err
		}
	}
	pw, err := otp.Password(algo, seed, secret, count)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), pw)
	return nil
}

// canonicalWords validates a password given as words or hex and returns its
// six-word form.
func canonicalWords(args []string) (string, error) {
	raw, err := otp.FromReadable(strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	return otp.ToReadable(raw)
}

func sendUDP(addr string, payload []byte) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}

// buildDNSQuery packs an A query for WORD_WORD_..._WORD.<domain>. The
// response is never awaited; the daemon only observes queries.
func buildDNSQuery(domain, words string) ([]byte, string, error) {
	name := dns.Fqdn(strings.ReplaceAll(words, " ", "_") + "." + strings.TrimSuffix(domain, "."))
	if _, ok := dns.IsDomainName(name); !ok {
		return nil, "", fmt.Errorf("invalid query name %q", name)
	}
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.RecursionDesired = true
	b, err := msg.Pack()
	if err != nil {
		return nil, "", fmt.Errorf("failed to pack query: %w", err)
	}
	return b, name, nil
}

// knockPorts attempts a TCP connection to each port in order. Refused and
// timed out attempts still deliver the SYN, so dial errors are ignored.
func knockPorts(ctx context.Context, host string, ports []uint16, timeout, pause time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	for i, p := range ports {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(p))))
		if err == nil {
			conn.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
