package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func record(tenant, customer string, i int, at time.Time) Record {
	return Record{
		TenantID:   tenant,
		CustomerID: customer,
		TurnID:     fmt.Sprintf("turn-%d", i),
		Role:       RoleCustomer,
		Content:    fmt.Sprintf("message %d", i),
		CreatedAt:  at,
	}
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("AppendRecentOrder", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 5; i++ {
			if err := s.Append(ctx, record("acme", "c1", i, epoch.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("Append(%d): %v", i, err)
			}
		}

		got, err := s.Recent(ctx, "acme", "c1", 3)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Recent len = %d, want 3", len(got))
		}
		for i, want := range []string{"message 3", "message 4", "message 5"} {
			if got[i].Content != want {
				t.Errorf("Recent[%d] = %q, want %q", i, got[i].Content, want)
			}
		}
		if !got[2].CreatedAt.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("CreatedAt = %v, want %v", got[2].CreatedAt, epoch.Add(5*time.Second))
		}

		all, err := s.Recent(ctx, "acme", "c1", 0)
		if err != nil {
			t.Fatalf("Recent(all): %v", err)
		}
		if len(all) != 5 {
			t.Errorf("Recent(all) len = %d, want 5", len(all))
		}
	})

	t.Run("Isolation", func(t *testing.T) {
		s := newStore(t)
		if err := s.Append(ctx,
			record("a", "c1", 1, epoch),
			record("b", "c1", 2, epoch),
			record("a", "c2", 3, epoch),
		); err != nil {
			t.Fatalf("Append: %v", err)
		}
		got, err := s.Recent(ctx, "a", "c1", 0)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) != 1 || got[0].Content != "message 1" {
			t.Errorf("Recent(a, c1) = %+v, want only message 1", got)
		}
		none, err := s.Recent(ctx, "c", "c1", 0)
		if err != nil {
			t.Fatalf("Recent(unknown): %v", err)
		}
		if len(none) != 0 {
			t.Errorf("Recent(unknown) len = %d, want 0", len(none))
		}
	})

	t.Run("InvalidRecord", func(t *testing.T) {
		s := newStore(t)
		err := s.Append(ctx, record("acme", "c1", 1, epoch), Record{TenantID: "acme", Content: "x"})
		if !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("Append error = %v, want ErrInvalidRecord", err)
		}
		got, _ := s.Recent(ctx, "acme", "c1", 0)
		if len(got) != 0 {
			t.Errorf("partial append stored %d records, want 0", len(got))
		}
	})

	t.Run("Prune", func(t *testing.T) {
		s := newStore(t)
		if err := s.Append(ctx,
			record("acme", "old", 1, epoch),
			record("acme", "old", 2, epoch.Add(time.Minute)),
			record("acme", "mixed", 3, epoch),
			record("acme", "mixed", 4, epoch.Add(time.Hour)),
		); err != nil {
			t.Fatalf("Append: %v", err)
		}

		if err := s.Prune(ctx, epoch.Add(30*time.Minute)); err != nil {
			t.Fatalf("Prune: %v", err)
		}

		old, _ := s.Recent(ctx, "acme", "old", 0)
		if len(old) != 0 {
			t.Errorf("old conversation has %d records after prune, want 0", len(old))
		}
		mixed, _ := s.Recent(ctx, "acme", "mixed", 0)
		if len(mixed) != 1 || mixed[0].Content != "message 4" {
			t.Errorf("mixed conversation after prune = %+v, want only message 4", mixed)
		}
	})
}

func TestMemStore_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemStore(0) })
}

func TestMemStore_MaxPerCustomer(t *testing.T) {
	s := NewMemStore(2)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_ = s.Append(ctx, record("acme", "c1", i, epoch))
	}
	got, _ := s.Recent(ctx, "acme", "c1", 0)
	if len(got) != 2 || got[0].Content != "message 3" {
		t.Errorf("Recent = %+v, want messages 3 and 4", got)
	}
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		ok   bool
	}{
		{"complete", record("a", "c", 1, epoch), true},
		{"no tenant", Record{CustomerID: "c", Content: "x"}, false},
		{"no customer", Record{TenantID: "a", Content: "x"}, false},
		{"no content", Record{TenantID: "a", CustomerID: "c"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
