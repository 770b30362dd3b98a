package airspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/airspace.report/internal/mission"
)

// memJournal backs the mission registry when the service runs without a
// database. Missions survive for the process lifetime only.
type memJournal struct {
	mu       sync.Mutex
	missions map[string]mission.Mission
}

func newMemJournal() *memJournal {
	return &memJournal{missions: make(map[string]mission.Mission)}
}

func (j *memJournal) PutMission(_ context.Context, m mission.Mission) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.missions[m.ID] = m
	return nil
}

func (j *memJournal) UpdateMission(_ context.Context, m mission.Mission) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.missions[m.ID]; !ok {
		return fmt.Errorf("update mission %s: not found", m.ID)
	}
	j.missions[m.ID] = m
	return nil
}

func (j *memJournal) ActiveMissions(_ context.Context) ([]mission.Mission, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []mission.Mission
	for _, m := range j.missions {
		if m.State == mission.StateScheduled || m.State == mission.StateRunning {
			out = append(out, m)
		}
	}
	return out, nil
}
