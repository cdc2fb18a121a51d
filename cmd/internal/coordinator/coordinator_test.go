package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatsync/cmd/internal/chaterr"
)

func newTestCoordinator() *Coordinator {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInheritanceRules(t *testing.T) {
	t.Parallel()

	type setup func(c *Coordinator)

	cases := []struct {
		name     string
		setup    setup
		id       string
		disabled bool
		source   string
	}{
		{
			name:  "unknown id is enabled",
			setup: func(c *Coordinator) {},
			id:    "c",
		},
		{
			name:     "explicit",
			setup:    func(c *Coordinator) { c.SetDisabled("c", true) },
			id:       "c",
			disabled: true,
			source:   "c",
		},
		{
			name: "child inherits parent",
			setup: func(c *Coordinator) {
				c.SetDisabled("p", true)
				_ = c.Link("p", "k")
			},
			id:       "k",
			disabled: true,
			source:   "p",
		},
		{
			name: "child own state wins",
			setup: func(c *Coordinator) {
				c.SetDisabled("p", true)
				_ = c.Link("p", "k")
				c.SetDisabled("k", false)
			},
			id: "k",
		},
		{
			name: "parent disabled by child",
			setup: func(c *Coordinator) {
				c.SetDisabled("p", false)
				_ = c.Link("p", "k")
				c.SetDisabled("k", true)
			},
			id:       "p",
			disabled: true,
			source:   "k",
		},
		{
			name: "parent disabled by grandchild",
			setup: func(c *Coordinator) {
				_ = c.Link("p", "k")
				_ = c.Link("k", "g")
				c.SetDisabled("g", true)
			},
			id:       "p",
			disabled: true,
			source:   "g",
		},
		{
			name: "sibling blocked through shared parent",
			setup: func(c *Coordinator) {
				_ = c.Link("p", "a")
				_ = c.Link("p", "b")
				c.SetDisabled("a", true)
			},
			id:       "b",
			disabled: true,
			source:   "a",
		},
		{
			name: "unregistered child does not disable parent",
			setup: func(c *Coordinator) {
				_ = c.Link("p", "k")
			},
			id: "p",
		},
		{
			name: "unlink stops inheritance",
			setup: func(c *Coordinator) {
				c.SetDisabled("p", true)
				_ = c.Link("p", "k")
				c.Unlink("k")
			},
			id: "k",
		},
		{
			name: "clear returns to inheritance",
			setup: func(c *Coordinator) {
				c.SetDisabled("p", true)
				_ = c.Link("p", "k")
				c.SetDisabled("k", false)
				c.Clear("k")
			},
			id:       "k",
			disabled: true,
			source:   "p",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestCoordinator()
			tc.setup(c)
			st := c.Status(tc.id)
			if st.Disabled != tc.disabled || st.Source != tc.source {
				t.Fatalf("Status(%q)=%+v want disabled=%v source=%q", tc.id, st, tc.disabled, tc.source)
			}
			if c.IsDisabled(tc.id) != tc.disabled {
				t.Fatalf("IsDisabled(%q) disagrees with Status", tc.id)
			}
		})
	}
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	if err := c.Acquire("c"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	err := c.Acquire("c")
	if !errors.Is(err, chaterr.ErrBusy) {
		t.Fatalf("second Acquire err=%v want ErrBusy", err)
	}

	if err := c.Link("c", "c_v2"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := c.Acquire("c_v2"); !errors.Is(err, chaterr.ErrBusy) {
		t.Fatalf("child Acquire while parent generates err=%v", err)
	}

	c.Release("c")
	if err := c.Acquire("c_v2"); err != nil {
		t.Fatalf("child Acquire after release: %v", err)
	}
	if !c.IsDisabled("c") {
		t.Fatalf("parent should be disabled while its child generates")
	}
}

func TestLinkRejectsCycles(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	if err := c.Link("a", "b"); err != nil {
		t.Fatalf("Link(a,b): %v", err)
	}
	if err := c.Link("b", "c"); err != nil {
		t.Fatalf("Link(b,c): %v", err)
	}

	cases := [][2]string{{"c", "a"}, {"a", "a"}, {"", "x"}}
	for _, tc := range cases {
		if err := c.Link(tc[0], tc[1]); !chaterr.IsValidation(err) {
			t.Fatalf("Link(%q,%q) err=%v want validation", tc[0], tc[1], err)
		}
	}
}

func TestSubscribeObservesRelatedChanges(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	_ = c.Link("p", "k")

	sub := c.Subscribe("p")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	st, err := sub.Recv(ctx)
	if err != nil || st.Disabled {
		t.Fatalf("initial status=%+v err=%v", st, err)
	}

	c.SetDisabled("k", true)
	st, err = sub.Recv(ctx)
	if err != nil || !st.Disabled || st.Source != "k" {
		t.Fatalf("after child disabled status=%+v err=%v", st, err)
	}

	c.SetDisabled("k", false)
	st, err = sub.Recv(ctx)
	if err != nil || st.Disabled {
		t.Fatalf("after child enabled status=%+v err=%v", st, err)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator()
	_ = c.Link("p", "k")
	c.SetDisabled("k", true)
	c.Forget("k")

	if c.IsDisabled("p") {
		t.Fatalf("forgotten child still disables parent")
	}
}
