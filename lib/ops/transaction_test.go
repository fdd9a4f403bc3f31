package ops

import "testing"

func TestTransactionIDRoles(t *testing.T) {
	tests := []struct {
		tid  TransactionID
		role TransactionRole
	}{
		{4, RoleCoordinator},
		{5, RoleLeader},
		{6, RoleFollower},
		{7, RoleLegacy},
		{NewLeaderTransactionID(42), RoleLeader},
	}

	for _, tt := range tests {
		t.Run(tt.tid.String(), func(t *testing.T) {
			if got := tt.tid.Role(); got != tt.role {
				t.Errorf("Role() = %v, want %v", got, tt.role)
			}
		})
	}
}

func TestAsFollower(t *testing.T) {
	leader := NewLeaderTransactionID(7)
	follower := leader.AsFollower()

	if !follower.IsFollower() {
		t.Fatalf("AsFollower() = %v, want a follower id", follower)
	}
	if follower != leader.AsFollower() {
		t.Errorf("derivation is not deterministic")
	}
	if follower.AsFollower() != follower {
		t.Errorf("follower ids must map to themselves")
	}
	if coordinator := TransactionID(8); coordinator.AsFollower() != coordinator {
		t.Errorf("non-leader ids must be returned unchanged")
	}
}

func TestTransactionIDGenerator(t *testing.T) {
	g := NewTransactionIDGenerator(0)
	first := g.Next()
	second := g.Next()

	if !first.IsLeader() || !second.IsLeader() {
		t.Fatalf("generator must produce leader ids, got %v and %v", first, second)
	}
	if first == second {
		t.Errorf("generator returned %v twice", first)
	}
	if first != 5 {
		t.Errorf("first id = %v, want 5", first)
	}
}
