package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"

	"github.com/eutimioliusbel/pfamirror/models"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry '7' for key 'open_modification_id'"}
	if !isDuplicateKeyErr(dup) {
		t.Fatal("error 1062 not recognized as duplicate key")
	}
	if !isDuplicateKeyErr(fmt.Errorf("create sync_conflicts: %w", dup)) {
		t.Fatal("wrapped error 1062 not recognized as duplicate key")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatal("deadlock error misread as duplicate key")
	}
	if isDuplicateKeyErr(nil) || isDuplicateKeyErr(errors.New("boom")) {
		t.Fatal("non-mysql error misread as duplicate key")
	}
}

func TestConflictCreateGuardsOpenPerModification(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStores()

	first := &models.SyncConflict{TenantId: "t1", ModificationId: 7, LocalVersion: 3, ExternalVersion: 5}
	if err := mem.Conflicts.Create(ctx, first); err != nil {
		t.Fatalf("create first conflict: %v", err)
	}
	if first.OpenModificationId == nil || *first.OpenModificationId != 7 {
		t.Fatalf("open sentinel = %v, want 7", first.OpenModificationId)
	}

	second := &models.SyncConflict{TenantId: "t1", ModificationId: 7, LocalVersion: 3, ExternalVersion: 6}
	if err := mem.Conflicts.Create(ctx, second); !errors.Is(err, ErrConflictOpen) {
		t.Fatalf("second create err = %v, want ErrConflictOpen", err)
	}

	// A different modification is unaffected.
	other := &models.SyncConflict{TenantId: "t1", ModificationId: 8}
	if err := mem.Conflicts.Create(ctx, other); err != nil {
		t.Fatalf("create conflict for other modification: %v", err)
	}

	// Resolution clears the sentinel, so a later detection may open a new one.
	if err := mem.Conflicts.Resolve(ctx, first.ID, models.ResolutionUsePems, nil, "ops", time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resolved, err := mem.Conflicts.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get resolved: %v", err)
	}
	if resolved.OpenModificationId != nil {
		t.Fatalf("resolved conflict still carries open sentinel %d", *resolved.OpenModificationId)
	}
	reopened := &models.SyncConflict{TenantId: "t1", ModificationId: 7, LocalVersion: 3, ExternalVersion: 7}
	if err := mem.Conflicts.Create(ctx, reopened); err != nil {
		t.Fatalf("reopen after resolve: %v", err)
	}
}
