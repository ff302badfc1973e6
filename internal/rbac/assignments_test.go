package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memAssignmentStore struct {
	mu          sync.Mutex
	nextID      int64
	assignments []Assignment
	entries     []AuditEntry
	auditErr    error
	now         func() time.Time
}

// InAssignmentTx serializes transactions and rolls state back when fn
// fails, mirroring the commit-or-rollback coupling of the real store.
func (s *memAssignmentStore) InAssignmentTx(ctx context.Context, fn func(AssignmentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	savedAssignments := append([]Assignment(nil), s.assignments...)
	savedEntries := append([]AuditEntry(nil), s.entries...)
	savedNextID := s.nextID
	if err := fn(s); err != nil {
		s.assignments = savedAssignments
		s.entries = savedEntries
		s.nextID = savedNextID
		return err
	}
	return nil
}

func (s *memAssignmentStore) InsertAssignment(ctx context.Context, a Assignment) (int64, error) {
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.EffectivelyActive(now) {
			return 0, ErrConflict
		}
	}
	s.nextID++
	a.ID = s.nextID
	s.assignments = append(s.assignments, a)
	return a.ID, nil
}

func (s *memAssignmentStore) DeactivateAssignment(ctx context.Context, userID string, roleID int64) (Assignment, bool, error) {
	for i, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.IsActive {
			s.assignments[i].IsActive = false
			return a, true, nil
		}
	}
	return Assignment{}, false, nil
}

func (s *memAssignmentStore) AppendAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error) {
	if s.auditErr != nil {
		return 0, s.auditErr
	}
	s.entries = append(s.entries, entry)
	return int64(len(s.entries)), nil
}

func (s *memAssignmentStore) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result, nil
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

func newTestManager() (*AssignmentManager, *memAssignmentStore, *recordingInvalidator) {
	store := &memAssignmentStore{now: fixedTime}
	invalidator := &recordingInvalidator{}
	manager := NewAssignmentManager(store, invalidator, nil)
	manager.now = fixedTime
	return manager, store, invalidator
}

func TestAssignWritesAuditAndInvalidates(t *testing.T) {
	manager, store, invalidator := newTestManager()

	id, err := manager.Assign(context.Background(), AssignCommand{
		UserID:     "u1",
		RoleID:     1,
		AssignedBy: "admin",
		Meta:       RequestMeta{IPAddress: "10.0.0.1", UserAgent: "cli"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected assignment id")
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected exactly 1 audit entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Action != AuditAssigned {
		t.Fatalf("expected assigned action, got %s", entry.Action)
	}
	if entry.PerformedAt.IsZero() {
		t.Fatalf("expected performed_at to be set")
	}
	if entry.IPAddress != "10.0.0.1" {
		t.Fatalf("expected request meta on entry, got %q", entry.IPAddress)
	}
	if len(invalidator.users) != 1 || invalidator.users[0] != "u1" {
		t.Fatalf("expected cache invalidation for u1, got %v", invalidator.users)
	}
}

func TestAssignRejectsDuplicateActive(t *testing.T) {
	manager, store, _ := newTestManager()
	ctx := context.Background()

	if _, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"}); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("rejected assign must not audit, got %d entries", len(store.entries))
	}
}

func TestAssignAllowsReplacingExpiredAssignment(t *testing.T) {
	manager, _, _ := newTestManager()
	ctx := context.Background()

	expired := fixedTime().Add(-time.Hour)
	if _, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin", ExpiresAt: &expired}); err != nil {
		t.Fatalf("assign expired: %v", err)
	}
	// The expired grant is not a conflict: it no longer grants anything.
	if _, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"}); err != nil {
		t.Fatalf("assign after expiry: %v", err)
	}
}

func TestAssignRollsBackWhenAuditFails(t *testing.T) {
	manager, store, invalidator := newTestManager()
	store.auditErr = errors.New("audit insert failed")

	_, err := manager.Assign(context.Background(), AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"})
	if err == nil {
		t.Fatalf("expected assign to fail when the audit write fails")
	}
	// The mutation and its audit entry share one transaction: neither lands.
	assignments, listErr := store.ListAssignments(context.Background(), "u1")
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(assignments) != 0 {
		t.Fatalf("assignment survived a failed audit write: %v", assignments)
	}
	if len(invalidator.users) != 0 {
		t.Fatalf("rolled-back assign must not invalidate the cache, got %v", invalidator.users)
	}

	// Retrying once the audit log recovers succeeds and leaves one of each.
	store.auditErr = nil
	if _, err := manager.Assign(context.Background(), AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"}); err != nil {
		t.Fatalf("retry assign: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected exactly 1 audit entry after retry, got %d", len(store.entries))
	}
}

func TestRevokeRollsBackWhenAuditFails(t *testing.T) {
	manager, store, _ := newTestManager()
	ctx := context.Background()

	if _, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	store.auditErr = errors.New("audit insert failed")
	if _, err := manager.Revoke(ctx, RevokeCommand{UserID: "u1", RoleID: 1, RevokedBy: "admin"}); err == nil {
		t.Fatalf("expected revoke to fail when the audit write fails")
	}
	roles, err := manager.ListUserRoles(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("assignment must stay active after a rolled-back revoke, got %d", len(roles))
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	manager, store, invalidator := newTestManager()
	ctx := context.Background()

	if _, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	revoked, err := manager.Revoke(ctx, RevokeCommand{UserID: "u1", RoleID: 1, RevokedBy: "admin"})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !revoked {
		t.Fatalf("expected revoke to report true")
	}
	again, err := manager.Revoke(ctx, RevokeCommand{UserID: "u1", RoleID: 1, RevokedBy: "admin"})
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if again {
		t.Fatalf("expected second revoke to report false")
	}
	// One assign entry plus one revoke entry; the no-op revoke adds nothing.
	if len(store.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(store.entries))
	}
	if store.entries[1].Action != AuditRevoked {
		t.Fatalf("expected revoked action, got %s", store.entries[1].Action)
	}
	if store.entries[1].OldValues == nil || store.entries[1].NewValues == nil {
		t.Fatalf("revoke entry must carry before/after state")
	}
	if len(invalidator.users) != 2 {
		t.Fatalf("expected 2 invalidations, got %d", len(invalidator.users))
	}
}

func TestConcurrentRevokesReportTrueOnce(t *testing.T) {
	manager, store, _ := newTestManager()
	ctx := context.Background()

	if _, err := manager.Assign(ctx, AssignCommand{UserID: "u1", RoleID: 1, AssignedBy: "admin"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	const revokers = 4
	results := make(chan bool, revokers)
	var wg sync.WaitGroup
	for i := 0; i < revokers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			revoked, err := manager.Revoke(ctx, RevokeCommand{UserID: "u1", RoleID: 1, RevokedBy: "admin"})
			if err != nil {
				t.Errorf("revoke: %v", err)
				return
			}
			results <- revoked
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for revoked := range results {
		if revoked {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one revoke to report true, got %d", succeeded)
	}
	// assign + a single revoke: racing revokers must not double-audit.
	if len(store.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(store.entries))
	}
}

func TestListUserRolesFiltersExpired(t *testing.T) {
	manager, store, _ := newTestManager()
	expired := fixedTime().Add(-time.Minute)
	future := fixedTime().Add(time.Hour)
	store.assignments = []Assignment{
		{ID: 1, UserID: "u1", RoleID: 1, IsActive: true, ExpiresAt: &expired},
		{ID: 2, UserID: "u1", RoleID: 2, IsActive: true, ExpiresAt: &future},
		{ID: 3, UserID: "u1", RoleID: 3, IsActive: false},
		{ID: 4, UserID: "u1", RoleID: 4, IsActive: true},
	}

	roles, err := manager.ListUserRoles(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 effective assignments, got %d", len(roles))
	}
	for _, a := range roles {
		if a.RoleID != 2 && a.RoleID != 4 {
			t.Fatalf("unexpected role %d in effective list", a.RoleID)
		}
	}
}
