package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task est une unité de travail admise par le scheduler.
type Task func(ctx context.Context) error

// TaskScheduler lance les tâches en FIFO avec deux contraintes:
// au plus Limit() tâches actives, et au moins MinInterval() entre deux lancements.
//
// Une seule boucle de drain tourne à la fois; AddTask la démarre si besoin.
type TaskScheduler struct {
	logger zerolog.Logger
	gate   *slotGate

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	queue       []Task
	minInterval time.Duration
	retime      chan struct{}
	lastLaunch  time.Time
	draining    bool
	closed      bool
	running     int

	pending sync.WaitGroup
	loops   sync.WaitGroup
}

func NewTaskScheduler(logger zerolog.Logger, maxConcurrent int, minInterval time.Duration) *TaskScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if minInterval < 0 {
		minInterval = 0
	}
	return &TaskScheduler{
		logger:      logger,
		gate:        newSlotGate(maxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
		minInterval: minInterval,
		retime:      make(chan struct{}),
	}
}

// AddTask ajoute fn en fin de file. Renvoie false si le scheduler est fermé.
func (s *TaskScheduler) AddTask(fn Task) bool {
	if fn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	s.pending.Add(1)
	if !s.draining {
		s.draining = true
		s.loops.Add(1)
		go s.drain()
	}
	return true
}

func (s *TaskScheduler) SetLimit(n int) { s.gate.resize(n) }

func (s *TaskScheduler) Limit() int { return s.gate.capacity() }

func (s *TaskScheduler) SetMinInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.minInterval = d
	close(s.retime)
	s.retime = make(chan struct{})
	s.mu.Unlock()
}

func (s *TaskScheduler) MinInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minInterval
}

// Pending renvoie le nombre de tâches en file (non lancées).
func (s *TaskScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running renvoie le nombre de tâches en cours.
func (s *TaskScheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait bloque jusqu'à ce que toutes les tâches ajoutées soient terminées (ou abandonnées).
func (s *TaskScheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandonne la file, annule le contexte des tâches actives et attend leur fin.
func (s *TaskScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	for i := 0; i < dropped; i++ {
		s.pending.Done()
	}
	if dropped > 0 {
		s.logger.Info().Int("dropped", dropped).Msg("scheduler closed with pending tasks")
	}
	s.cancel()
	s.loops.Wait()
	s.pending.Wait()
}

func (s *TaskScheduler) drain() {
	defer s.loops.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.gate.enter(s.ctx); err != nil {
			s.stopDraining()
			return
		}
		if !s.waitInterval() {
			s.gate.leave()
			s.stopDraining()
			return
		}

		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.draining = false
			s.mu.Unlock()
			s.gate.leave()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.lastLaunch = time.Now()
		s.running++
		s.mu.Unlock()

		go s.launch(fn)
	}
}

// waitInterval attend que minInterval soit écoulé depuis le dernier lancement.
// L'intervalle est relu à chaque réveil (SetMinInterval à chaud).
func (s *TaskScheduler) waitInterval() bool {
	for {
		s.mu.Lock()
		first := s.lastLaunch.IsZero()
		wait := s.minInterval - time.Since(s.lastLaunch)
		retime := s.retime
		s.mu.Unlock()
		if first || wait <= 0 {
			return true
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return false
		case <-retime:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *TaskScheduler) launch(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprint(r)).Msg("scheduled task panicked")
		}
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		s.gate.leave()
		s.pending.Done()
	}()

	if err := fn(s.ctx); err != nil {
		s.logger.Debug().Err(err).Msg("scheduled task failed")
	}
}

func (s *TaskScheduler) stopDraining() {
	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}
