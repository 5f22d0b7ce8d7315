package logging

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Registry tracks named loggers so their levels can be set from LoggerPatternConfig entries.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	defaults  map[string]Level
	logConfig []LoggerPatternConfig
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		loggers:  map[string]Logger{},
		defaults: map[string]Level{},
	}
}

// GetOrRegister returns the logger already registered under name, or registers logger under
// name and applies the current configuration to it. The level logger has at registration is
// what it returns to when no pattern matches it.
func (lr *Registry) GetOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existing, ok := lr.loggers[name]; ok {
		return existing
	}
	lr.loggers[name] = logger
	lr.defaults[name] = logger.GetLevel()
	if level, ok, err := levelFor(name, lr.logConfig); err == nil && ok {
		logger.SetLevel(level)
	}
	return logger
}

// LoggerNamed returns the logger registered under name.
func (lr *Registry) LoggerNamed(name string) (Logger, bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	return logger, ok
}

// Names returns the registered logger names in sorted order.
func (lr *Registry) Names() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	names := lo.Keys(lr.loggers)
	slices.Sort(names)
	return names
}

// UpdateConfig applies logConfig to every registered logger. Later entries win over earlier
// ones; invalid patterns are reported on warnLogger and skipped. Loggers no pattern matches
// return to their registration level.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig, warnLogger Logger) error {
	valid := make([]LoggerPatternConfig, 0, len(logConfig))
	for _, lpc := range logConfig {
		if _, err := lpc.matcher(); err != nil {
			warnLogger.Warnw("failed to validate a pattern", "pattern", lpc.Pattern, "error", err)
			continue
		}
		if _, err := LevelFromString(lpc.Level); err != nil {
			return errors.Wrapf(err, "pattern %q", lpc.Pattern)
		}
		valid = append(valid, lpc)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = valid
	for name, logger := range lr.loggers {
		level, ok, err := levelFor(name, valid)
		if err != nil {
			return err
		}
		if !ok {
			level = lr.defaults[name]
		}
		logger.SetLevel(level)
	}
	return nil
}

func levelFor(name string, logConfig []LoggerPatternConfig) (Level, bool, error) {
	var (
		level   Level
		matched bool
	)
	for _, lpc := range logConfig {
		r, err := lpc.matcher()
		if err != nil {
			return level, false, err
		}
		if !r.MatchString(name) {
			continue
		}
		level, err = LevelFromString(lpc.Level)
		if err != nil {
			return level, false, err
		}
		matched = true
	}
	return level, matched, nil
}
