// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/infra"
)

// Workspace lays out a record file and a firewall queue folder under one root.
type Workspace struct {
	Root        string
	QueueFolder string
	RecordPath  string
}

// NewWorkspace creates the directory structure under root.
func NewWorkspace(root string) (*Workspace, error) {
	w := &Workspace{
		Root:        root,
		QueueFolder: filepath.Join(root, "spool"),
		RecordPath:  filepath.Join(root, "data", "records.json"),
	}
	if err := os.MkdirAll(w.QueueFolder, 0755); err != nil {
		return nil, err
	}
	return w, nil
}

// Store opens the file record store for the workspace.
func (w *Workspace) Store() (*infra.FileRecordStore, error) {
	return infra.NewFileRecordStore(w.RecordPath)
}

// Seed writes records straight into the store.
func (w *Workspace) Seed(records ...domain.EnforcementRecord) error {
	store, err := w.Store()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := store.Save(context.Background(), rec.Identifier, rec); err != nil {
			return err
		}
	}
	return nil
}

// QueueLines returns the lines written to the firewall queue file so far.
func (w *Workspace) QueueLines() ([]string, error) {
	f, err := os.Open(filepath.Join(w.QueueFolder, infra.QueueFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
