package session

import (
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bookmart/internal/cart"
	"bookmart/internal/model"
	"bookmart/internal/state"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func TestManager_CartIsCachedPerSession(t *testing.T) {
	m := NewManager(state.NewInMemoryStore(), quietLogger())
	a1 := m.Cart("a")
	a2 := m.Cart("a")
	b := m.Cart("b")
	if a1 != a2 {
		t.Fatalf("expected the same store for repeated lookups")
	}
	if a1 == b {
		t.Fatalf("expected distinct stores per session")
	}
}

func TestManager_CartsAreNamespaced(t *testing.T) {
	st := state.NewInMemoryStore()
	m := NewManager(st, quietLogger())
	m.Cart("a").Add(model.Book{ID: 1, Title: "Dune", Price: decimal.NewFromInt(10)}, 2)

	if _, ok, _ := st.Get(CartKey("a")); !ok {
		t.Fatalf("expected cart persisted at %q", CartKey("a"))
	}
	if !m.Cart("b").Snapshot().Empty() {
		t.Fatalf("session b should not see session a's cart")
	}
}

func TestManager_RehydratesOnFirstAccess(t *testing.T) {
	st := state.NewInMemoryStore()
	first := NewManager(st, quietLogger())
	first.Cart("a").Add(model.Book{ID: 3, Title: "Emma", Price: decimal.RequireFromString("5.50")}, 4)

	second := NewManager(st, quietLogger())
	if got := second.Cart("a").Snapshot().Quantity(model.IntID(3)); got != 4 {
		t.Fatalf("expected rehydrated quantity 4, got %d", got)
	}
}

func TestManager_SubscribeAttachesToNewAndOpenCarts(t *testing.T) {
	m := NewManager(state.NewInMemoryStore(), quietLogger())
	open := m.Cart("open")

	seen := map[string]int{}
	m.Subscribe(func(id string) cart.Observer {
		return func(cart.Change, cart.Snapshot) { seen[id]++ }
	})

	b := model.Book{ID: 1, Title: "Dune", Price: decimal.NewFromInt(10)}
	open.Add(b, 1)
	m.Cart("later").Add(b, 1)
	m.Cart("later").Clear()

	if seen["open"] != 1 || seen["later"] != 2 {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestManager_EvictedCartReloadsFromStorage(t *testing.T) {
	st := state.NewInMemoryStore()
	m := NewManager(st, quietLogger())
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.Cart("a").Add(model.Book{ID: 1, Price: decimal.NewFromInt(1)}, 1)

	if err := st.Delete(CartKey("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	clock = clock.Add(time.Hour)
	m.EvictIdle(time.Minute)
	if !m.Cart("a").Snapshot().Empty() {
		t.Fatalf("expected reloaded cart to be empty")
	}
}

func TestPrincipal_RoundTripAndForget(t *testing.T) {
	m := NewManager(state.NewInMemoryStore(), quietLogger())
	if _, ok, err := m.Principal("s"); err != nil || ok {
		t.Fatalf("expected anonymous session, ok=%v err=%v", ok, err)
	}
	p := Principal{Token: "tok", Username: "ann", Role: model.RoleCustomer, Address: "1 Main St"}
	if err := m.SetPrincipal("s", p); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := m.Principal("s")
	if err != nil || !ok || got != p {
		t.Fatalf("expected %+v, got %+v ok=%v err=%v", p, got, ok, err)
	}
	if err := m.Forget("s"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, _ := m.Principal("s"); ok {
		t.Fatalf("expected logged out after Forget")
	}
}

func TestPrincipal_UnreadableIsAnonymous(t *testing.T) {
	st := state.NewInMemoryStore()
	_ = st.Set(Prefix("s")+principalKey, []byte("{nope"))
	m := NewManager(st, quietLogger())
	if _, ok, err := m.Principal("s"); ok || err != nil {
		t.Fatalf("expected anonymous, ok=%v err=%v", ok, err)
	}
}

func TestPrincipal_CanTransact(t *testing.T) {
	cases := []struct {
		p    Principal
		want bool
	}{
		{Principal{}, false},
		{Principal{Role: model.RoleCustomer}, false},
		{Principal{Token: "t", Role: model.RoleCustomer}, true},
		{Principal{Token: "t", Role: model.RoleSeller}, false},
		{Principal{Token: "t", Role: model.RoleAdmin}, false},
	}
	for _, c := range cases {
		if got := c.p.CanTransact(); got != c.want {
			t.Fatalf("CanTransact(%+v)=%v want %v", c.p, got, c.want)
		}
	}
}

func TestSplit(t *testing.T) {
	id, rest, ok := Split("session/abc/cart")
	if !ok || id != "abc" || rest != "cart" {
		t.Fatalf("unexpected split: %q %q %v", id, rest, ok)
	}
	for _, bad := range []string{"cart", "session/", "session/abc", "session//cart", "other/abc/cart"} {
		if _, _, ok := Split(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestNewIDIsValid(t *testing.T) {
	id := NewID()
	if !ValidID(id) {
		t.Fatalf("expected %q to be valid", id)
	}
	if ValidID("not-a-session") {
		t.Fatalf("expected garbage id to be invalid")
	}
	if NewID() == id {
		t.Fatalf("expected distinct ids")
	}
}

func TestManager_EvictIdle(t *testing.T) {
	st := state.NewInMemoryStore()
	m := NewManager(st, quietLogger())
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	stale := m.Cart("stale")
	stale.Add(model.Book{ID: 1, Title: "Dune", Price: decimal.NewFromInt(10)}, 2)
	clock = clock.Add(20 * time.Minute)
	fresh := m.Cart("fresh")

	clock = clock.Add(15 * time.Minute)
	if n := m.EvictIdle(30 * time.Minute); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if len(m.carts) != 1 {
		t.Fatalf("expected 1 open cart, got %d", len(m.carts))
	}
	if m.Cart("fresh") != fresh {
		t.Fatalf("recently used cart should stay cached")
	}

	reloaded := m.Cart("stale")
	if reloaded == stale {
		t.Fatalf("expected idle cart to be rebuilt")
	}
	if got := reloaded.Snapshot().Quantity(model.IntID(1)); got != 2 {
		t.Fatalf("expected rehydrated quantity 2, got %d", got)
	}
	if n := m.EvictIdle(30 * time.Minute); n != 0 {
		t.Fatalf("nothing should be idle, evicted %d", n)
	}
}
