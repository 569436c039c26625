package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/notify"
	"github.com/eutimioliusbel/pfamirror/store"
)

// Assessment is the outcome of checking one pending modification against
// the external changes that landed since its base version.
type Assessment struct {
	ModificationId uint                 `json:"modification_id"`
	HasConflict    bool                 `json:"has_conflict"`
	CanAutoMerge   bool                 `json:"can_auto_merge"`
	ConflictFields []string             `json:"conflict_fields,omitempty"`
	Conflict       *models.SyncConflict `json:"conflict,omitempty"`
}

// Detector decides whether a local delta collides with external changes.
// Detection is read-mostly and safe to re-run: the only side effect is
// creating at most one open conflict per modification.
type Detector struct {
	Mods      store.ModificationStore
	Mirrors   store.MirrorStore
	Conflicts store.ConflictStore
	Notifier  notify.Publisher
	Logger    *logrus.Logger
}

// Detect compares the modification's delta against the fields external
// syncs changed between its base version and the mirror's current version.
// Field history is reconstructed by diffing consecutive archived snapshots;
// a field whose only difference is null versus absent does not count.
func (d *Detector) Detect(ctx context.Context, modificationId uint) (Assessment, error) {
	assessment := Assessment{ModificationId: modificationId}

	mod, err := d.Mods.Get(ctx, modificationId)
	if err != nil {
		return assessment, err
	}
	mirror, err := d.Mirrors.GetByID(ctx, mod.MirrorId)
	if err != nil {
		return assessment, err
	}

	if existing, err := d.Conflicts.OpenForModification(ctx, modificationId); err == nil {
		assessment.HasConflict = true
		assessment.Conflict = existing
		assessment.ConflictFields = decodeFieldList(existing.ConflictFieldsJSON)
		return assessment, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return assessment, err
	}

	if mirror.Version == mod.BaseVersion {
		assessment.CanAutoMerge = true
		return assessment, nil
	}

	delta, err := decodeObject(mod.DeltaJSON)
	if err != nil {
		return assessment, fmt.Errorf("modification %d delta: %w", modificationId, err)
	}
	changed, current, err := d.externallyChanged(ctx, mirror, mod.BaseVersion)
	if err != nil {
		return assessment, err
	}

	var overlap []string
	for field := range delta {
		if changed[field] {
			overlap = append(overlap, field)
		}
	}
	if len(overlap) == 0 {
		assessment.CanAutoMerge = true
		return assessment, nil
	}

	localSide := map[string]any{}
	externalSide := map[string]any{}
	for _, field := range overlap {
		localSide[field] = delta[field]
		externalSide[field] = current[field]
	}
	conflict := &models.SyncConflict{
		TenantId:           mod.TenantId,
		ModificationId:     modificationId,
		LocalVersion:       mod.BaseVersion,
		ExternalVersion:    mirror.Version,
		LocalDataJSON:      mustMarshal(localSide),
		ExternalDataJSON:   mustMarshal(externalSide),
		ConflictFieldsJSON: mustMarshal(overlap),
	}
	if err := d.Conflicts.Create(ctx, conflict); err != nil {
		if errors.Is(err, store.ErrConflictOpen) {
			// Lost a race with a concurrent detection; report its result.
			existing, err := d.Conflicts.OpenForModification(ctx, modificationId)
			if err != nil {
				return assessment, err
			}
			conflict = existing
		} else {
			return assessment, err
		}
	} else if d.Notifier != nil {
		d.Notifier.Publish(ctx, notify.Event{
			EventType: notify.EventConflictDetected,
			TenantId:  mod.TenantId,
			EntityId:  fmt.Sprintf("modification:%d", modificationId),
			Summary:   fmt.Sprintf("conflict on mirror %d: %v", mod.MirrorId, overlap),
		})
	}

	assessment.HasConflict = true
	assessment.Conflict = conflict
	assessment.ConflictFields = decodeFieldList(conflict.ConflictFieldsJSON)
	return assessment, nil
}

// externallyChanged walks the snapshot chain from the base version to the
// current mirror state and reports which fields moved, along with the
// current field values.
func (d *Detector) externallyChanged(ctx context.Context, mirror *models.DomainRecord, baseVersion int) (map[string]bool, map[string]any, error) {
	history, err := d.Mirrors.History(ctx, mirror.ID, baseVersion, mirror.Version-1)
	if err != nil {
		return nil, nil, err
	}

	snapshots := make([]map[string]any, 0, len(history)+1)
	for _, h := range history {
		snap, err := decodeObject(h.DataJSON)
		if err != nil {
			return nil, nil, fmt.Errorf("mirror %d history v%d: %w", mirror.ID, h.Version, err)
		}
		snapshots = append(snapshots, snap)
	}
	current, err := decodeObject(mirror.FieldsJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("mirror %d current fields: %w", mirror.ID, err)
	}
	snapshots = append(snapshots, current)

	changed := map[string]bool{}
	for i := 1; i < len(snapshots); i++ {
		prev, next := snapshots[i-1], snapshots[i]
		for field := range union(prev, next) {
			if changed[field] {
				continue
			}
			a, b := prev[field], next[field]
			if a == nil && b == nil {
				continue
			}
			if !reflect.DeepEqual(a, b) {
				changed[field] = true
			}
		}
	}
	return changed, current, nil
}

func union(a, b map[string]any) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func decodeObject(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func decodeFieldList(data []byte) []string {
	var fields []string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	return fields
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
