package infra

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
)

// QueueFileName is the file the system-firewall agent drains.
const QueueFileName = "iptables_queue.log"

var (
	// ErrQueueUnavailable is returned when the watching folder is missing or
	// not writable.
	ErrQueueUnavailable = errors.New("firewall queue unavailable")
	// ErrInvalidAddress is returned for identifiers that are not IP addresses.
	ErrInvalidAddress = errors.New("invalid ip address")
)

// FirewallQueueWriter appends deny commands to a text file watched by an
// external agent that installs the actual packet-filter rules.
type FirewallQueueWriter struct {
	folder string
	logger *zap.Logger
}

// NewFirewallQueueWriter creates a writer for the given watching folder.
// The folder is not checked until the first Append.
func NewFirewallQueueWriter(folder string, logger *zap.Logger) *FirewallQueueWriter {
	return &FirewallQueueWriter{
		folder: trimFolder(folder),
		logger: logger,
	}
}

// Path returns the queue file path.
func (w *FirewallQueueWriter) Path() string {
	return filepath.Join(w.folder, QueueFileName)
}

// Append writes one command line for ip. The lock is held only for the write;
// the agent may read concurrently between appends.
func (w *FirewallQueueWriter) Append(ctx context.Context, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkWritableDir(w.folder); err != nil {
		return err
	}

	cmd, err := CommandFor(ip)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	defer f.Close()

	line := cmd.Line()
	err = withFileLock(f, func() error {
		_, werr := f.WriteString(line + "\n")
		return werr
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", w.Path(), err)
	}

	w.logger.Info("queued system firewall command",
		zap.String("ip", ip),
		zap.String("command", line),
		zap.String("queue", w.Path()))
	return nil
}

// CommandFor builds the deny command for ip.
//
// The IPv6 form has no protocol column and ends in "allow"; the agent on the
// other side of the queue expects exactly this.
func CommandFor(ip string) (domain.FirewallCommand, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return domain.FirewallCommand{}, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	addr = addr.WithZone("")

	cmd := domain.FirewallCommand{
		Operation: "add",
		Address:   addr.String(),
		Subnet:    "null",
		Port:      "all",
		Protocol:  "all",
	}
	if addr.Is4() {
		cmd.IPVersion = 4
		cmd.Action = "deny"
	} else {
		cmd.IPVersion = 6
		cmd.Action = "allow"
	}
	return cmd, nil
}

// Ensure FirewallQueueWriter implements domain.FirewallQueue.
var _ domain.FirewallQueue = (*FirewallQueueWriter)(nil)
