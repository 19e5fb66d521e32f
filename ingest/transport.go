package ingest

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// StoreOptions are the negotiation flags of a direct store.
type StoreOptions struct {
	ProposeLossless bool
	Required        bool
}

var (
	// FirstAttempt proposes lossless transfer syntaxes and requires acceptance.
	FirstAttempt = StoreOptions{ProposeLossless: true, Required: true}
	// Redelivery drops the lossless proposal.
	Redelivery = StoreOptions{ProposeLossless: false, Required: true}
)

// Storer pushes one file straight into the archive.
type Storer interface {
	Store(ctx context.Context, path string, opts StoreOptions) error
}

// StoreSCU sends files with the DCMTK storescu tool.
type StoreSCU struct {
	Binary   string
	AETitle  string // calling AE title
	CalledAE string
	Peer     string
	Port     int
	Timeout  time.Duration
}

// Args builds the storescu command line for path.
func (s *StoreSCU) Args(path string, opts StoreOptions) []string {
	args := []string{
		"--aetitle", s.AETitle,
		"--call", s.CalledAE,
		s.Peer, strconv.Itoa(s.Port),
		path,
	}
	if opts.ProposeLossless {
		args = append(args, "--propose-lossless")
	}
	if opts.Required {
		args = append(args, "--required")
	}
	return args
}

// Store runs storescu and waits for it. A non-zero exit status is a failed
// delivery.
func (s *StoreSCU) Store(ctx context.Context, path string, opts StoreOptions) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	bin := s.Binary
	if bin == "" {
		bin = "storescu"
	}
	cmd := exec.CommandContext(ctx, bin, s.Args(path, opts)...)
	cmd.WaitDelay = 5 * time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("storescu %s: %w: %s", path, err, strings.TrimSpace(string(output)))
	}
	return nil
}
