package state_managers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/benmeehan/garden-sync/pkg/file"
	"github.com/rs/zerolog"
)

// FiredStateManager persists schedule fired minutes in a single JSON file.
// It implements storage.FiredStore for deployments without Redis.
type FiredStateManager struct {
	filePath   string
	fileClient file.FileOperations
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewFiredStateManager initializes a new FiredStateManager
func NewFiredStateManager(filePath string, fileClient file.FileOperations, logger zerolog.Logger) *FiredStateManager {
	return &FiredStateManager{
		filePath:   filePath,
		fileClient: fileClient,
		logger:     logger,
	}
}

// gardenID -> scheduleID -> minute
type firedState map[string]map[string]time.Time

func (sm *FiredStateManager) load() (firedState, error) {
	exists, err := sm.fileClient.IsFileExists(sm.filePath)
	if err != nil {
		sm.logger.Error().Err(err).Msg("Failed to stat state file")
		return nil, err
	}
	if !exists {
		return make(firedState), nil
	}

	var states firedState
	if err := sm.fileClient.ReadJsonFile(sm.filePath, &states); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to read state file")
		return nil, err
	}
	if states == nil {
		states = make(firedState)
	}
	return states, nil
}

func (sm *FiredStateManager) save(states firedState) error {
	if err := sm.fileClient.WriteJsonFile(sm.filePath, states); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to write state file")
		return err
	}
	return nil
}

// LoadFired reads the fired minutes of one garden.
func (sm *FiredStateManager) LoadFired(_ context.Context, gardenID string) (map[string]time.Time, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	states, err := sm.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(states[gardenID]))
	for id, t := range states[gardenID] {
		out[id] = t
	}
	return out, nil
}

// SaveFired records the minute a schedule fired.
func (sm *FiredStateManager) SaveFired(_ context.Context, gardenID, scheduleID string, minute time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	states, err := sm.load()
	if err != nil {
		return err
	}
	if states[gardenID] == nil {
		states[gardenID] = make(map[string]time.Time)
	}
	states[gardenID][scheduleID] = minute.UTC()
	return sm.save(states)
}

// DeleteFired removes a schedule, dropping the garden entry once empty.
func (sm *FiredStateManager) DeleteFired(_ context.Context, gardenID, scheduleID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	states, err := sm.load()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if _, ok := states[gardenID][scheduleID]; !ok {
		return nil
	}
	delete(states[gardenID], scheduleID)
	if len(states[gardenID]) == 0 {
		delete(states, gardenID)
	}
	return sm.save(states)
}
