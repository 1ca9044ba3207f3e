package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/flowstate-sh/flowstate/internal/core"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	return l
}

func TestLocalPutGet(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	key := Key("task-1", core.ArtifactSpec)

	if err := l.Put(ctx, key, []byte("# spec\n")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := l.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "# spec\n" {
		t.Errorf("get = %q", got)
	}

	// Overwrite is fine.
	if err := l.Put(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = l.Get(ctx, key)
	if string(got) != "v2" {
		t.Errorf("after overwrite = %q", got)
	}
}

func TestLocalMissingKey(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if _, err := l.Get(ctx, "tasks/none/specification.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing: err = %v, want ErrNotFound", err)
	}
	data, err := l.GetOptional(ctx, "tasks/none/specification.md")
	if err != nil || data != nil {
		t.Errorf("get optional missing: %q, %v", data, err)
	}
	ok, err := l.Exists(ctx, "tasks/none/specification.md")
	if err != nil || ok {
		t.Errorf("exists missing: %v, %v", ok, err)
	}
	// Deleting a missing key is a no-op.
	if err := l.Delete(ctx, "tasks/none/specification.md"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestLocalListByPrefix(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	for _, kind := range []core.ArtifactKind{core.ArtifactSpec, core.ArtifactPlan} {
		if err := l.Put(ctx, Key("task-1", kind), []byte("x")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := l.Put(ctx, Key("task-2", core.ArtifactSpec), []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	keys, err := l.List(ctx, "tasks/task-1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("list = %v, want 2 keys", keys)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l := newTestLocal(t)
	if err := l.Put(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("traversal key accepted")
	}
}

func TestKey(t *testing.T) {
	if got := Key("t1", core.ArtifactSpec); got != "tasks/t1/specification.md" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("t1", core.ArtifactVerification); got != "tasks/t1/verification.md" {
		t.Errorf("Key = %q", got)
	}
}
