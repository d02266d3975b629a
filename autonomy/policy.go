package autonomy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PolicyFile is an operator-supplied override for the governance policy.
// Rules replace the matrix entries they name; actions not mentioned keep
// their current rule set.
type PolicyFile struct {
	RiskProfile string                          `yaml:"risk_profile"`
	Rules       map[Category]map[string]RuleSet `yaml:"rules"`
}

// UnmarshalYAML accepts either a single condition mapping or a sequence of
// them, mirroring the JSON form.
func (p *Predicate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var many []Condition
		if err := value.Decode(&many); err != nil {
			return fmt.Errorf("predicate list: %w", err)
		}
		*p = Predicate(many)
		return nil
	}
	var single Condition
	if err := value.Decode(&single); err != nil {
		return fmt.Errorf("predicate: %w", err)
	}
	*p = Predicate{single}
	return nil
}

// LoadPolicyFile reads and parses a policy override file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return &pf, nil
}

// Apply pushes the policy file's overrides into the matrix and assessor.
// Malformed rules are dropped by the matrix with a warning.
func (pf *PolicyFile) Apply(matrix *Matrix, assessor *Assessor, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for cat, actions := range pf.Rules {
		for action, rs := range actions {
			matrix.Replace(cat, action, rs)
		}
	}
	if pf.RiskProfile != "" && assessor != nil {
		if err := assessor.SetProfile(pf.RiskProfile); err != nil {
			logger.Warn("Policy file names unknown risk profile", "profile", pf.RiskProfile)
		}
	}
	logger.Info("Applied policy file", "categories", len(pf.Rules), "risk_profile", pf.RiskProfile)
}

// PolicyWatcher hot-reloads a policy file when it changes on disk. Events
// are debounced so editors that write in several steps trigger one reload.
type PolicyWatcher struct {
	path     string
	matrix   *Matrix
	assessor *Assessor
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewPolicyWatcher creates a watcher for the given policy file. The file
// does not have to exist yet; it is loaded when it first appears.
func NewPolicyWatcher(path string, matrix *Matrix, assessor *Assessor, logger *slog.Logger) (*PolicyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{
		path:     path,
		matrix:   matrix,
		assessor: assessor,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start loads the policy file if present, then watches its directory for
// changes until Stop is called.
func (pw *PolicyWatcher) Start() error {
	if _, err := os.Stat(pw.path); err == nil {
		pw.reload()
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a watch on the file itself.
	if err := pw.watcher.Add(filepath.Dir(pw.path)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}

	go pw.loop()
	pw.logger.Info("Policy watcher started", "path", pw.path)
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (pw *PolicyWatcher) Stop() error {
	err := pw.watcher.Close()
	<-pw.done
	return err
}

func (pw *PolicyWatcher) loop() {
	defer close(pw.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(pw.debounce)
				timerC = timer.C
			} else {
				timer.Reset(pw.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			pw.reload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("Policy watcher error", "error", err)
		}
	}
}

func (pw *PolicyWatcher) reload() {
	pf, err := LoadPolicyFile(pw.path)
	if err != nil {
		// Keep the last good policy on parse failure.
		pw.logger.Error("Policy reload failed", "path", pw.path, "error", err)
		return
	}
	pf.Apply(pw.matrix, pw.assessor, pw.logger)
}
