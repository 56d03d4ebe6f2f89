package mediacache

import (
	"fmt"
	"testing"
	"time"
)

func testCache(maxEntries int, ttl time.Duration) (*Cache, *time.Time) {
	c := New(maxEntries, ttl, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestKey(t *testing.T) {
	cases := []struct {
		a, b string
		same bool
	}{
		{"https://cdn.example.com/img.png?sig=abc", "https://cdn.example.com/img.png?sig=def", true},
		{"https://CDN.example.com/img.png", "https://cdn.example.com/img.png", true},
		{"https://cdn.example.com/img.png#frag", "https://cdn.example.com/img.png", true},
		{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png", false},
		{"https://cdn.example.com/img.png", "https://other.example.com/img.png", false},
	}
	for _, c := range cases {
		if got := Key(c.a) == Key(c.b); got != c.same {
			t.Errorf("Key(%q) == Key(%q): got %v, want %v", c.a, c.b, got, c.same)
		}
	}
}

func TestCacheGetPut(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		c, _ := testCache(10, time.Hour)
		c.Put("https://cdn.example.com/img.png", Item{Data: []byte("png"), MimeType: "image/png"})

		item, ok := c.Get("https://cdn.example.com/img.png?signature=xyz")
		if !ok {
			t.Fatal("expected hit on query-string variant")
		}
		if item.MimeType != "image/png" {
			t.Errorf("mime = %s", item.MimeType)
		}
	})

	t.Run("miss on unknown url", func(t *testing.T) {
		c, _ := testCache(10, time.Hour)
		if _, ok := c.Get("https://cdn.example.com/none.png"); ok {
			t.Error("expected miss")
		}
	})

	t.Run("entries expire after ttl", func(t *testing.T) {
		c, now := testCache(10, time.Hour)
		c.Put("https://cdn.example.com/img.png", Item{Data: []byte("png")})

		*now = now.Add(59 * time.Minute)
		if _, ok := c.Get("https://cdn.example.com/img.png"); !ok {
			t.Error("expected hit before expiry")
		}

		*now = now.Add(2 * time.Minute)
		if _, ok := c.Get("https://cdn.example.com/img.png"); ok {
			t.Error("expected miss after expiry")
		}
		if got := c.Stats().Entries; got != 0 {
			t.Errorf("expired entry kept, entries = %d", got)
		}
	})

	t.Run("evicts the oldest entry when full", func(t *testing.T) {
		c, _ := testCache(3, time.Hour)
		for i := 0; i < 3; i++ {
			c.Put(fmt.Sprintf("https://cdn.example.com/%d.png", i), Item{Data: []byte{byte(i)}})
		}
		// Access the oldest; FIFO eviction must ignore recency.
		if _, ok := c.Get("https://cdn.example.com/0.png"); !ok {
			t.Fatal("expected entry 0 present")
		}

		c.Put("https://cdn.example.com/3.png", Item{Data: []byte{3}})

		if _, ok := c.Get("https://cdn.example.com/0.png"); ok {
			t.Error("expected oldest entry evicted")
		}
		if _, ok := c.Get("https://cdn.example.com/1.png"); !ok {
			t.Error("expected second entry kept")
		}
		if got := c.Stats().Entries; got != 3 {
			t.Errorf("entries = %d, want 3", got)
		}
	})

	t.Run("refreshing a key keeps its position", func(t *testing.T) {
		c, _ := testCache(2, time.Hour)
		c.Put("https://cdn.example.com/a.png", Item{Data: []byte("a1")})
		c.Put("https://cdn.example.com/b.png", Item{Data: []byte("b1")})
		c.Put("https://cdn.example.com/a.png", Item{Data: []byte("a2")})

		c.Put("https://cdn.example.com/c.png", Item{Data: []byte("c1")})

		if _, ok := c.Get("https://cdn.example.com/a.png"); ok {
			t.Error("expected refreshed oldest entry still evicted first")
		}
		if item, ok := c.Get("https://cdn.example.com/b.png"); !ok || string(item.Data) != "b1" {
			t.Error("expected newer entry kept")
		}
	})
}

func TestCacheClearAndStats(t *testing.T) {
	c, _ := testCache(10, time.Hour)
	c.Put("https://cdn.example.com/a.png", Item{Data: make([]byte, 100)})
	c.Put("https://cdn.example.com/b.png", Item{Data: make([]byte, 50)})
	c.Get("https://cdn.example.com/a.png")
	c.Get("https://cdn.example.com/missing.png")

	st := c.Stats()
	if st.Entries != 2 || st.Bytes != 150 {
		t.Errorf("stats = %+v", st)
	}
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("hits/misses = %d/%d", st.Hits, st.Misses)
	}

	c.Clear()
	st = c.Stats()
	if st.Entries != 0 || st.Bytes != 0 {
		t.Errorf("stats after clear = %+v", st)
	}
}
