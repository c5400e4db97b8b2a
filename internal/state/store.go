package state

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current strategy config and position snapshot and
// reloads them when their files change. A failed reload keeps the previous
// contents.
type Store struct {
	strategyPath  string
	positionsPath string
	logger        *slog.Logger

	mu         sync.RWMutex
	strategies StrategyConfig
	positions  Positions
	loadedAt   time.Time

	listenersMu sync.Mutex
	listeners   []func()
}

// NewStore loads both files. Either path may be empty.
func NewStore(strategyPath, positionsPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		strategyPath:  filepath.Clean(strategyPath),
		positionsPath: filepath.Clean(positionsPath),
		logger:        logger,
	}
	if strategyPath == "" {
		s.strategyPath = ""
	}
	if positionsPath == "" {
		s.positionsPath = ""
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Strategies returns the current strategy config. Callers must not modify it.
func (s *Store) Strategies() StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategies
}

// Positions returns the current position snapshot. Callers must not
// modify it.
func (s *Store) Positions() Positions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions
}

// LoadedAt returns the time of the last successful load.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload reads both files.
func (s *Store) Reload() error {
	strategies, err := LoadStrategyConfig(s.strategyPath)
	if err != nil {
		return err
	}
	positions, err := LoadPositions(s.positionsPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.strategies = strategies
	s.positions = positions
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("state loaded",
		"strategies", len(strategies),
		"positions", len(positions),
	)

	s.listenersMu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Watch reloads on changes to either file until ctx is done. Parent
// directories are watched so files replaced by rename are picked up.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dirs := make(map[string]struct{})
	for _, p := range []string{s.strategyPath, s.positionsPath} {
		if p == "" {
			continue
		}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !evt.Has(ops) || !s.watches(evt.Name) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Error("state reload failed", "file", evt.Name, "error", err)
				continue
			}
			s.logger.Info("state reloaded", "file", evt.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("state watcher error", "error", err)
		}
	}
}

func (s *Store) watches(name string) bool {
	name = filepath.Clean(name)
	return (s.strategyPath != "" && name == s.strategyPath) ||
		(s.positionsPath != "" && name == s.positionsPath)
}
