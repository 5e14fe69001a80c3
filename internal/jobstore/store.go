package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/conduitd/conduit/pkg/types"
)

// Store loads, validates and watches job definition files in a
// directory. A single bad file is skipped with a logged error and never
// blocks loading of the other jobs.
type Store struct {
	dir    string
	logger *logrus.Logger

	mu     sync.RWMutex
	jobs   map[string]types.JobDefinition
	byFile map[string]string // filename -> job id, needed for deletes

	onChange func(map[string]types.JobDefinition)
	onError  func(file string, err error)

	fw      *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex
}

// NewStore creates a Store over the given directory.
func NewStore(dir string, logger *logrus.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		jobs:   make(map[string]types.JobDefinition),
		byFile: make(map[string]string),
		stopCh: make(chan struct{}),
	}
}

// OnChange registers a callback receiving a full snapshot of the job set
// after every mutation.
func (s *Store) OnChange(fn func(map[string]types.JobDefinition)) {
	s.onChange = fn
}

// OnError registers a callback for per-file parse and validation
// failures. These are non-fatal.
func (s *Store) OnError(fn func(file string, err error)) {
	s.onError = fn
}

func recognized(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func parseFile(path string) (*types.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var job types.JobDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to parse job file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to parse job file: %w", err)
		}
	}

	job.Normalize()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// LoadAll scans the directory and populates the job map. Files that fail
// to parse or validate are reported through the error callback.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read jobs directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !recognized(entry.Name()) {
			continue
		}
		s.loadFile(filepath.Join(s.dir, entry.Name()), false)
	}

	s.notifyChange()
	s.logger.Infof("Loaded %d job(s) from %s", s.Count(), s.dir)
	return nil
}

func (s *Store) loadFile(path string, notify bool) {
	name := filepath.Base(path)
	job, err := parseFile(path)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"file":  name,
			"error": err.Error(),
		}).Error("Skipping invalid job file")
		if s.onError != nil {
			s.onError(name, err)
		}
		return
	}

	s.mu.Lock()
	if oldID, ok := s.byFile[name]; ok && oldID != job.ID {
		delete(s.jobs, oldID)
	}
	s.jobs[job.ID] = *job
	s.byFile[name] = job.ID
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"file":     name,
		"schedule": job.Schedule,
		"enabled":  job.IsEnabled(),
	}).Info("Job definition loaded")

	if notify {
		s.notifyChange()
	}
}

func (s *Store) removeFile(name string) {
	s.mu.Lock()
	id, ok := s.byFile[name]
	if ok {
		delete(s.jobs, id)
		delete(s.byFile, name)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"job_id": id,
		"file":   name,
	}).Info("Job definition removed")
	s.notifyChange()
}

// Watch begins observing the directory for job file changes.
func (s *Store) Watch() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return fmt.Errorf("job store watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch jobs directory: %w", err)
	}
	s.fw = fw
	s.started = true

	s.wg.Add(1)
	go s.loop()

	s.logger.Infof("Watching jobs directory %s", s.dir)
	return nil
}

// Stop terminates the watch.
func (s *Store) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	close(s.stopCh)
	s.fw.Close()
	s.wg.Wait()
	s.started = false
}

func (s *Store) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.fw.Events:
			if !ok {
				return
			}
			if !recognized(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				s.loadFile(event.Name, true)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.removeFile(filepath.Base(event.Name))
			}
		case err, ok := <-s.fw.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("Job watcher error: %v", err)
		}
	}
}

// GetJob returns the definition for an id.
func (s *Store) GetJob(id string) (types.JobDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// GetJobs returns an immutable snapshot of the current job set.
func (s *Store) GetJobs() map[string]types.JobDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]types.JobDefinition, len(s.jobs))
	for id, job := range s.jobs {
		snapshot[id] = job
	}
	return snapshot
}

// Count returns the number of loaded jobs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) notifyChange() {
	if s.onChange != nil {
		s.onChange(s.GetJobs())
	}
}
