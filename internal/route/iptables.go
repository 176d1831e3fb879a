package route

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"

	"github.com/somesky/flocker/internal/domain"
)

const natTable = "nat"

// IPTablesBackend forwards through the kernel packet filter: one DNAT
// rule per routing rule in a dedicated nat-table chain. Checkpointing
// shells out to iptables-save / iptables-restore, which snapshot and
// replace the whole table atomically.
type IPTablesBackend struct {
	ipt    *iptables.IPTables
	chain  string
	logger zerolog.Logger

	// Overridable for tests; default to the real binaries.
	save    func(ctx context.Context) ([]byte, error)
	restore func(ctx context.Context, dump []byte) error
}

func NewIPTablesBackend(chain string, logger zerolog.Logger) (*IPTablesBackend, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("initializing iptables: %w", err)
	}
	b := &IPTablesBackend{
		ipt:     ipt,
		chain:   chain,
		logger:  logger,
		save:    saveNATTable,
		restore: restoreNATTable,
	}
	exists, err := ipt.ChainExists(natTable, chain)
	if err != nil {
		return nil, fmt.Errorf("checking chain %s: %w", chain, err)
	}
	if !exists {
		if err := ipt.NewChain(natTable, chain); err != nil {
			return nil, fmt.Errorf("creating chain %s: %w", chain, err)
		}
		// Route incoming traffic through the chain.
		if err := ipt.AppendUnique(natTable, "PREROUTING", "-j", chain); err != nil {
			return nil, fmt.Errorf("linking chain %s into PREROUTING: %w", chain, err)
		}
		logger.Info().Str("chain", chain).Msg("created routing chain")
	}
	return b, nil
}

func ruleSpec(rule domain.RoutingRule) []string {
	proto := string(rule.Protocol)
	return []string{
		"-p", proto,
		"-m", proto,
		"--dport", strconv.Itoa(rule.ExternalPort),
		"-j", "DNAT",
		"--to-destination", net.JoinHostPort(rule.TargetHost, strconv.Itoa(rule.TargetPort)),
	}
}

func (b *IPTablesBackend) Query(ctx context.Context) ([]domain.RoutingRule, error) {
	listed, err := b.ipt.List(natTable, b.chain)
	if err != nil {
		return nil, fmt.Errorf("listing chain %s: %w", b.chain, err)
	}
	var rules []domain.RoutingRule
	for _, line := range listed {
		rule, ok := parseChainRule(line)
		if !ok {
			continue
		}
		rules = append(rules, rule)
	}
	domain.SortRules(rules)
	return rules, nil
}

// parseChainRule recovers a RoutingRule from an iptables -S style line,
// e.g. "-A CHAIN -p tcp -m tcp --dport 8080 -j DNAT --to-destination 10.0.0.2:80".
// Lines that are not DNAT appends (the chain declaration, foreign rules)
// are skipped.
func parseChainRule(line string) (domain.RoutingRule, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "-A" {
		return domain.RoutingRule{}, false
	}
	var rule domain.RoutingRule
	var isDNAT bool
	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "-p":
			rule.Protocol = domain.Protocol(fields[i+1])
		case "--dport":
			port, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return domain.RoutingRule{}, false
			}
			rule.ExternalPort = port
		case "-j":
			isDNAT = fields[i+1] == "DNAT"
		case "--to-destination":
			host, portStr, err := net.SplitHostPort(fields[i+1])
			if err != nil {
				return domain.RoutingRule{}, false
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return domain.RoutingRule{}, false
			}
			rule.TargetHost = host
			rule.TargetPort = port
		}
	}
	if !isDNAT || rule.Protocol == "" || rule.ExternalPort == 0 {
		return domain.RoutingRule{}, false
	}
	return rule, true
}

func (b *IPTablesBackend) Apply(ctx context.Context, rule domain.RoutingRule) error {
	if err := b.ipt.AppendUnique(natTable, b.chain, ruleSpec(rule)...); err != nil {
		return fmt.Errorf("appending %s: %w", rule.Render(), err)
	}
	return nil
}

func (b *IPTablesBackend) Remove(ctx context.Context, rule domain.RoutingRule) error {
	if err := b.ipt.Delete(natTable, b.chain, ruleSpec(rule)...); err != nil {
		return fmt.Errorf("deleting %s: %w", rule.Render(), err)
	}
	return nil
}

func (b *IPTablesBackend) Checkpoint(ctx context.Context) (Token, error) {
	dump, err := b.save(ctx)
	if err != nil {
		return "", fmt.Errorf("saving nat table: %w", err)
	}
	return Token(dump), nil
}

func (b *IPTablesBackend) Restore(ctx context.Context, token Token) error {
	if err := b.restore(ctx, []byte(token)); err != nil {
		return fmt.Errorf("restoring nat table: %w", err)
	}
	return nil
}

func saveNATTable(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "iptables-save", "-t", natTable).Output()
}

func restoreNATTable(ctx context.Context, dump []byte) error {
	cmd := exec.CommandContext(ctx, "iptables-restore", "-T", natTable)
	cmd.Stdin = bytes.NewReader(dump)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables-restore: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
