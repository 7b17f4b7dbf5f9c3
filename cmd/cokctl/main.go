package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cok/internal/control"
	"cok/internal/model"
	"cok/internal/parser"
	"cok/internal/prompt"
	"cok/pkg/otp"
	"cok/pkg/wellknown"
)

var (
	serverAddr string
	token      string
	timeout    time.Duration
	jsonOutput bool
	algorithm  string
	seed       string
	passphrase string
	count      int
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cokctl",
		Short:        "Manage the knocks of a running cokd",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", envOr("COK_CONTROL_LISTEN", "127.0.0.1:7070"), "Control API address")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("COK_CONTROL_TOKEN"), "Control API bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed knocks",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print full descriptors as JSON")

	setCmd := &cobra.Command{
		Use:   "set <file>",
		Short: "Install or update the knocks defined in a knock file or JSON descriptor file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSet,
	}
	removeCmd := &cobra.Command{
		Use:   "remove <file>",
		Short: "Remove the knocks defined in a knock file or JSON descriptor file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	}
	haltCmd := &cobra.Command{
		Use:   "halt",
		Short: "Save the knocks and stop capture",
		Args:  cobra.NoArgs,
		RunE:  runHalt,
	}

	otpCmd := &cobra.Command{
		Use:   "otp-list",
		Short: "Generate a one-time password list and its first OTP",
		Args:  cobra.NoArgs,
		RunE:  runOTPList,
	}
	otpCmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(otp.MD5), "Hash algorithm (md5, sha1)")
	otpCmd.Flags().StringVar(&seed, "seed", "", "Seed, normally the knock rule name (required)")
	otpCmd.Flags().StringVar(&passphrase, "passphrase", "", "Secret passphrase (prompted when empty)")
	otpCmd.Flags().IntVarP(&count, "count", "n", 100, "Number of passwords")
	otpCmd.MarkFlagRequired("seed")

	rootCmd.AddCommand(listCmd, setCmd, removeCmd, haltCmd, otpCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newClient(cmd *cobra.Command) (*control.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return control.NewClient(serverAddr, token, nil), ctx, cancel
}

func runList(cmd *cobra.Command, args []string) error {
	c, ctx, cancel := newClient(cmd)
	defer cancel()
	knocks, err := c.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(knocks)
	}
	return writeKnockTable(out, knocks)
}

func writeKnockTable(out io.Writer, knocks []*model.Descriptor) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KNOCK\tPROTO\tPORTS\tSOURCES\tUSED")
	for _, d := range knocks {
		sources := strings.Join(d.ValidSources.Strings(), ",")
		if sources == "" {
			sources = "any"
		}
		used := "-"
		if d.OTP != nil {
			used = fmt.Sprint(len(d.OTP.UsedPasswords))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Desc(), d.Protocol(), joinPorts(d.Protocol(), d.Ports()), sources, used)
	}
	return tw.Flush()
}

// joinPorts annotates well-known service ports with their name.
func joinPorts(proto model.Protocol, ports []uint16) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprint(p)
		if name, ok := wellknown.Lookup(proto, p); ok {
			parts[i] += "(" + name + ")"
		}
	}
	return strings.Join(parts, ",")
}

func runSet(cmd *cobra.Command, args []string) error {
	descs, err := loadDescriptors(args[0])
	if err != nil {
		return err
	}
	c, ctx, cancel := newClient(cmd)
	defer cancel()
	failed := 0
	for _, d := range descs {
		res, err := c.Set(ctx, d)
		if err != nil {
			return err
		}
		if res == model.SetError {
			failed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", d.Desc(), res)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d knocks rejected", failed, len(descs))
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	descs, err := loadDescriptors(args[0])
	if err != nil {
		return err
	}
	c, ctx, cancel := newClient(cmd)
	defer cancel()
	failed := 0
	for _, d := range descs {
		res, err := c.Remove(ctx, d)
		if err != nil {
			return err
		}
		if res == model.RemoveError {
			failed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", d.Desc(), res)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d knocks not found", failed, len(descs))
	}
	return nil
}

func runHalt(cmd *cobra.Command, args []string) error {
	c, ctx, cancel := newClient(cmd)
	defer cancel()
	if err := c.Halt(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "halted")
	return nil
}

// loadDescriptors reads a JSON descriptor, a JSON array of descriptors, or a
// knock definition file.
func loadDescriptors(path string) ([]*model.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("[")):
		var descs []*model.Descriptor
		if err := json.Unmarshal(trimmed, &descs); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return descs, nil
	case bytes.HasPrefix(trimmed, []byte("{")):
		d := new(model.Descriptor)
		if err := json.Unmarshal(trimmed, d); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*model.Descriptor{d}, nil
	}
	p := parser.NewKnockFileParser(bytes.NewReader(data))
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p.Knocks, nil
}

func runOTPList(cmd *cobra.Command, args []string) error {
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
	data, err := otp.GetOTPData(algo, seed, secret, count)
	if err != nil {
		return err
	}
	return writeOTPList(cmd.OutOrStdout(), data)
}

func writeOTPList(out io.Writer, data *otp.Data) error {
	first, err := otp.ToReadable(data.FirstOTP)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Seed: %s  Algorithm: %s  Count: %d\n", data.Seed, data.Algorithm, data.Count)
	fmt.Fprintf(out, "First OTP: %X (%s)\n\n", data.FirstOTP, first)
	for i, pw := range data.Readable {
		fmt.Fprintf(out, "%4d: %s\n", i+1, pw)
	}
	return nil
}
