package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/distr1/fatbuildr/internal/ferrors"
)

// PurgePolicy runs one history-retention policy over an already-dumped,
// submission-descending list of archived tasks. Mirrors
// HistoryPurgePolicy and its four concrete subclasses; the four are
// expressed here as constructor functions producing a shared struct
// with a policy-specific run closure, since Go has no class hierarchy
// to subclass for four one-method variants.
type PurgePolicy struct {
	tasks         []*ArchivedTask
	RemovedTasks  int
	RetrievedSize int64
	runFunc       func(*PurgePolicy) error
}

// Run executes the policy, removing workspaces as it decides to.
func (p *PurgePolicy) Run() error { return p.runFunc(p) }

func (p *PurgePolicy) remove(t *ArchivedTask) error {
	size, err := directorySize(t.place)
	if err != nil {
		return err
	}
	p.RemovedTasks++
	p.RetrievedSize += size
	return os.RemoveAll(t.place)
}

func directorySize(path string) (int64, error) {
	var total int64
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		full := filepath.Join(path, e.Name())
		if e.IsDir() {
			sub, err := directorySize(full)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// NewPurgePolicy returns the policy named by policy, mirroring
// HistoryPurgeFactory.get.
func NewPurgePolicy(policy, value string, tasks []*ArchivedTask) (*PurgePolicy, error) {
	switch policy {
	case "older":
		return newOlderPolicy(tasks, value)
	case "last":
		return newLastPolicy(tasks, value)
	case "each":
		return newEachPolicy(tasks, value)
	case "size":
		return newSizePolicy(tasks, value)
	default:
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("policy %s is not supported", policy)}
	}
}

var olderPattern = regexp.MustCompile(`(\d+)([a-z])`)

// newOlderPolicy removes every task workspace whose submission predates
// now minus quantity*unit, mirroring HistoryPurgeOlder.
func newOlderPolicy(tasks []*ArchivedTask, value string) (*PurgePolicy, error) {
	m := olderPattern.FindStringSubmatch(value)
	if m == nil {
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("history purge older policy value %q is not supported", value)}
	}
	quantity, _ := strconv.Atoi(m[1])
	var multiplier int64
	switch m[2] {
	case "h":
		multiplier = 3600
	case "d":
		multiplier = 86400
	case "m":
		multiplier = 86400 * 30
	case "y":
		multiplier = 86400 * 365
	default:
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("history purge older policy unit %q is not supported", m[2])}
	}
	cutoff := time.Now().Add(-time.Duration(int64(quantity)*multiplier) * time.Second)
	return &PurgePolicy{tasks: tasks, runFunc: func(p *PurgePolicy) error {
		for _, t := range p.tasks {
			if t.submission.Before(cutoff) {
				if err := p.remove(t); err != nil {
					return err
				}
			}
		}
		return nil
	}}, nil
}

// newLastPolicy keeps the n most recent task workspaces (tasks is
// already submission-descending), removing the rest. Mirrors
// HistoryPurgeLast.
func newLastPolicy(tasks []*ArchivedTask, value string) (*PurgePolicy, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("history purge last policy value %q is not supported", value)}
	}
	return &PurgePolicy{tasks: tasks, runFunc: func(p *PurgePolicy) error {
		kept := 0
		for _, t := range p.tasks {
			if kept < n {
				kept++
				continue
			}
			if err := p.remove(t); err != nil {
				return err
			}
		}
		return nil
	}}, nil
}

// newEachPolicy keeps the n most recent workspaces per distinct HistID,
// removing the rest. Mirrors HistoryPurgeEach.
func newEachPolicy(tasks []*ArchivedTask, value string) (*PurgePolicy, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("history purge each policy value %q is not supported", value)}
	}
	return &PurgePolicy{tasks: tasks, runFunc: func(p *PurgePolicy) error {
		counts := map[string]int{}
		for _, t := range p.tasks {
			counts[t.histID]++
			if counts[t.histID] > n {
				if err := p.remove(t); err != nil {
					return err
				}
			}
		}
		return nil
	}}, nil
}

var sizePattern = regexp.MustCompile(`(\d+(\.\d+)?)(TB|Tb|GB|Gb|MB|Mb)`)

// newSizePolicy removes older workspaces once the cumulative measured
// size of the (submission-descending) list reaches the limit. Mirrors
// HistoryPurgeSize.
func newSizePolicy(tasks []*ArchivedTask, value string) (*PurgePolicy, error) {
	m := sizePattern.FindStringSubmatch(value)
	if m == nil {
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("history purge size policy value %q is not supported", value)}
	}
	quantity, _ := strconv.ParseFloat(m[1], 64)
	var multiplier float64
	switch m[3] {
	case "Mb":
		multiplier = 1e6 / 8
	case "MB":
		multiplier = 1024 * 1024
	case "Gb":
		multiplier = 1e9 / 8
	case "GB":
		multiplier = 1024 * 1024 * 1024
	case "Tb":
		multiplier = 1e12 / 8
	case "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return nil, &ferrors.SystemConfigurationError{Msg: fmt.Sprintf("history purge size policy unit %q is not supported", m[3])}
	}
	limit := int64(quantity * multiplier)
	return &PurgePolicy{tasks: tasks, runFunc: func(p *PurgePolicy) error {
		var measured int64
		for _, t := range p.tasks {
			if measured < limit {
				size, err := directorySize(t.place)
				if err != nil {
					return err
				}
				measured += size
			}
			if measured >= limit {
				if err := p.remove(t); err != nil {
					return err
				}
			}
		}
		return nil
	}}, nil
}
