package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
)

var ErrEmptyDelta = errors.New("modification delta is empty")

// Submitter records a local edit as a sparse delta against the mirror's
// current version and queues its delivery unless detection finds an open
// conflict first.
type Submitter struct {
	Mods     store.ModificationStore
	Mirrors  store.MirrorStore
	Queue    store.QueueStore
	Detector *Detector
	Logger   *logrus.Logger
}

func (s *Submitter) Submit(ctx context.Context, tenantId string, externalId string, delta map[string]any, priority int, requestedBy string) (*models.Modification, Assessment, error) {
	if len(delta) == 0 {
		return nil, Assessment{}, ErrEmptyDelta
	}
	mirror, err := s.Mirrors.Get(ctx, tenantId, externalId)
	if err != nil {
		return nil, Assessment{}, err
	}
	deltaJSON, err := json.Marshal(delta)
	if err != nil {
		return nil, Assessment{}, fmt.Errorf("encode delta: %w", err)
	}

	mod := &models.Modification{
		TenantId:    tenantId,
		MirrorId:    mirror.ID,
		DeltaJSON:   deltaJSON,
		BaseVersion: mirror.Version,
		SyncState:   models.SyncStateModified,
		SyncStatus:  models.SyncStatusPending,
		RequestedBy: requestedBy,
	}
	if err := s.Mods.Create(ctx, mod); err != nil {
		return nil, Assessment{}, err
	}

	// The mirror may have moved between the read above and now; detection
	// settles it either way.
	assessment, err := s.Detector.Detect(ctx, mod.ID)
	if err != nil {
		return mod, assessment, err
	}
	if assessment.HasConflict {
		return mod, assessment, nil
	}

	if err := s.Mods.Update(ctx, mod.ID, map[string]interface{}{
		"sync_state": models.SyncStatePendingSync,
	}); err != nil {
		return mod, assessment, err
	}
	mod.SyncState = models.SyncStatePendingSync
	if err := enqueueWrite(ctx, s.Queue, tenantId, mod.ID, deltaJSON, priority); err != nil {
		return mod, assessment, err
	}

	s.Logger.WithFields(logrus.Fields{
		"tenant_id":       tenantId,
		"modification_id": mod.ID,
		"mirror_id":       mirror.ID,
		"base_version":    mod.BaseVersion,
	}).Info("conflict: modification queued")
	return mod, assessment, nil
}
