package havenchat

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

func openTestPebble(t *testing.T) *PebbleCache {
	t.Helper()
	c, err := OpenPebbleCache("cache", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("OpenPebbleCache() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMessageCache(t *testing.T) {
	caches := map[string]func(t *testing.T) MessageCache{
		"memory": func(t *testing.T) MessageCache { return NewMemoryCache() },
		"pebble": func(t *testing.T) MessageCache { return openTestPebble(t) },
	}

	for name, open := range caches {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			msgs := []Message{
				authored("b", "them", "second", 2*time.Minute),
				authored("a", "me", "First thing", time.Minute),
				{ID: "temp-1", Content: "pending", Status: StatusSending},
			}
			if err := c.Put("conv-1", msgs); err != nil {
				t.Fatal(err)
			}
			if err := c.Put("conv-10", []Message{authored("z", "them", "elsewhere", 0)}); err != nil {
				t.Fatal(err)
			}

			got, err := c.Load("conv-1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
				t.Fatalf("Load() = %+v", got)
			}

			// Upsert by id.
			updated := authored("a", "me", "First thing", time.Minute)
			updated.Status = StatusRead
			_ = c.Put("conv-1", []Message{updated})
			got, _ = c.Load("conv-1", 1)
			if len(got) != 1 || got[0].ID != "b" {
				t.Errorf("Load(limit 1) = %+v", got)
			}
			got, _ = c.Load("conv-1", 0)
			if got[0].Status != StatusRead {
				t.Errorf("status = %s after upsert", got[0].Status)
			}

			found, err := c.Search("conv-1", "first", 0)
			if err != nil || len(found) != 1 || found[0].ID != "a" {
				t.Errorf("Search() = %+v, %v", found, err)
			}

			if err := c.Clear("conv-1"); err != nil {
				t.Fatal(err)
			}
			if got, _ := c.Load("conv-1", 0); len(got) != 0 {
				t.Errorf("Load() after Clear = %+v", got)
			}
			if got, _ := c.Load("conv-10", 0); len(got) != 1 {
				t.Errorf("Clear removed another conversation: %+v", got)
			}
		})
	}
}

func TestPebbleCacheNestedConversationIDs(t *testing.T) {
	c := openTestPebble(t)
	if err := c.Put("a", []Message{authored("m1", "me", "parent", 0)}); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("a/b", []Message{authored("m2", "me", "child", time.Minute)}); err != nil {
		t.Fatal(err)
	}

	got, err := c.Load("a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("Load(a) = %+v", got)
	}

	if err := c.Clear("a"); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Load("a/b", 0); len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("Clear(a) touched a/b: %+v", got)
	}
}

func TestPebbleCacheClosed(t *testing.T) {
	c := openTestPebble(t)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.Put("conv-1", []Message{authored("a", "me", "x", 0)}); !errors.Is(err, pebble.ErrClosed) {
		t.Errorf("Put() after Close error = %v", err)
	}
	if _, err := c.Load("conv-1", 0); !errors.Is(err, pebble.ErrClosed) {
		t.Errorf("Load() after Close error = %v", err)
	}
}
