package ops

import "testing"

// TestCategoriesAreExhaustive checks that every kind has a category and that the
// "modifies" and "finishes" groups never overlap
func TestCategoriesAreExhaustive(t *testing.T) {
	for _, k := range AllKinds() {
		t.Run(k.String(), func(t *testing.T) {
			// Category panics for unhandled kinds
			c := k.Category()

			modifies := k.ModifiesUserTransaction()
			finishes := k.FinishesUserTransactionOrIntermediate()
			if modifies && finishes {
				t.Errorf("%s both modifies and finishes a user transaction", k)
			}
			if k.FinishesUserTransaction() && !finishes {
				t.Errorf("%s finishes a transaction but is not in the finish-or-intermediate group", k)
			}
			if k.IsDataDefinition() && (modifies || finishes) {
				t.Errorf("%s is data definition and transaction scoped", k)
			}

			groups := 0
			for _, in := range []bool{modifies, finishes, k.IsDataDefinition(), c == CategoryAbortAll} {
				if in {
					groups++
				}
			}
			if groups != 1 {
				t.Errorf("%s is in %d groups, want exactly 1", k, groups)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		kind           Kind
		modifies       bool
		finishes       bool
		finishesOrInt  bool
		dataDefinition bool
	}{
		{KindInsert, true, false, false, false},
		{KindUpdate, true, false, false, false},
		{KindReplace, true, false, false, false},
		{KindRemove, true, false, false, false},
		{KindTruncate, true, false, false, false},
		{KindCommit, false, true, true, false},
		{KindAbort, false, true, true, false},
		{KindIntermediateCommit, false, false, true, false},
		{KindAbortAllOngoingTrx, false, false, false, false},
		{KindCreateShard, false, false, false, true},
		{KindDropShard, false, false, false, true},
		{KindModifyShard, false, false, false, true},
		{KindCreateIndex, false, false, false, true},
		{KindDropIndex, false, false, false, true},
	}

	if len(tests) != len(AllKinds()) {
		t.Fatalf("predicate table covers %d kinds, want %d", len(tests), len(AllKinds()))
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.ModifiesUserTransaction(); got != tt.modifies {
				t.Errorf("ModifiesUserTransaction() = %v, want %v", got, tt.modifies)
			}
			if got := tt.kind.FinishesUserTransaction(); got != tt.finishes {
				t.Errorf("FinishesUserTransaction() = %v, want %v", got, tt.finishes)
			}
			if got := tt.kind.FinishesUserTransactionOrIntermediate(); got != tt.finishesOrInt {
				t.Errorf("FinishesUserTransactionOrIntermediate() = %v, want %v", got, tt.finishesOrInt)
			}
			if got := tt.kind.IsDataDefinition(); got != tt.dataDefinition {
				t.Errorf("IsDataDefinition() = %v, want %v", got, tt.dataDefinition)
			}
		})
	}
}

func TestUnknownKindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected Category() to panic for an unknown kind")
		}
	}()
	Kind(200).Category()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"insert", Insert(5, "s1", []byte(`[{"_key":"a"}]`)), false},
		{"insert without tid", Insert(0, "s1", nil), true},
		{"insert without shard", Insert(5, "", nil), true},
		{"commit", Commit(5), false},
		{"commit without tid", Commit(0), true},
		{"abort all", AbortAll(), false},
		{"abort all with tid", Operation{Kind: KindAbortAllOngoingTrx, Tid: 5}, true},
		{"create shard", CreateShard("s1", "c", nil), false},
		{"create shard without shard", CreateShard("", "c", nil), true},
		{"unknown kind", Operation{Kind: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSliceIterator(t *testing.T) {
	entries := []Entry{
		{Index: 1, Op: Insert(5, "s1", nil)},
		{Index: 2, Op: Commit(5)},
	}
	got := Collect(NewSliceIterator(entries))
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Errorf("Collect() = %v, want both entries in order", got)
	}
	if _, ok := NewSliceIterator(nil).Next(); ok {
		t.Errorf("empty iterator returned an entry")
	}
}
