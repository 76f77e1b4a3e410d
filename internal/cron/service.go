package cron

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is a snapshot of one registered job.
type Job struct {
	Name       string    `json:"name"`
	Expr       string    `json:"expr"`
	NextRun    time.Time `json:"nextRun,omitempty"`
	LastRun    time.Time `json:"lastRun,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

type jobState struct {
	expr    string
	fn      func() error
	entryID rcron.EntryID
	lastRun time.Time
	status  string
	lastErr string
}

// Service runs named jobs on cron expressions with a seconds field.
type Service struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*jobState
	running bool
}

func NewService() *Service {
	return &Service{
		cron: rcron.New(rcron.WithSeconds()),
		jobs: make(map[string]*jobState),
	}
}

// AddJob registers fn under name. Names are unique.
func (s *Service) AddJob(name, expr string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	state := &jobState{expr: expr, fn: fn}
	id, err := s.cron.AddFunc(expr, func() { s.execute(name, fn) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, expr, err)
	}
	state.entryID = id
	s.jobs[name] = state
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(state.entryID)
	delete(s.jobs, name)
	return true
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	state, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name, state.fn)
}

func (s *Service) execute(name string, fn func() error) error {
	err := fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.jobs[name]
	if !ok {
		return err
	}
	state.lastRun = time.Now()
	if err != nil {
		state.status = "error"
		state.lastErr = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		state.status = "ok"
		state.lastErr = ""
	}
	return err
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Printf("[cron] started with %d jobs", len(s.jobs))
}

func (s *Service) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	if wasRunning {
		log.Printf("[cron] stopped")
	}
}

// ListJobs returns the registered jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Job, 0, len(s.jobs))
	for name, state := range s.jobs {
		job := Job{
			Name:       name,
			Expr:       state.expr,
			LastRun:    state.lastRun,
			LastStatus: state.status,
			LastError:  state.lastErr,
		}
		if s.running {
			job.NextRun = s.cron.Entry(state.entryID).Next
		}
		result = append(result, job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
