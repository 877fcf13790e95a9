package room

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
)

func newDiscordRoom(t *testing.T, clock *testClock) (*Room, string) {
	t.Helper()
	reg := newTestRegistry(t, clock)
	r, hostToken, err := reg.CreateDiscord(Meta{MovieName: "Alien"}, domain.DiscordSession{
		ChannelID:     "chan-1",
		HostDiscordID: "host-1",
		HostUsername:  "ripley",
	})
	if err != nil {
		t.Fatalf("create discord room: %v", err)
	}
	return r, hostToken
}

func TestGenerateUserTokenIsIdempotentPerUser(t *testing.T) {
	r, _ := newDiscordRoom(t, newTestClock())

	first, err := r.GenerateUserToken("user-a", "ash")
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	second, err := r.GenerateUserToken("user-a", "ash-renamed")
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if first != second {
		t.Fatal("rejoining user got a different token")
	}

	m, ok := r.ValidateToken(first)
	if !ok {
		t.Fatal("token does not validate")
	}
	if m.DisplayName != "ash-renamed" {
		t.Fatalf("display name = %q, want the refreshed one", m.DisplayName)
	}
	if m.IsHost {
		t.Fatal("second member must not be host")
	}
}

func TestHostTokenBelongsToCreator(t *testing.T) {
	r, hostToken := newDiscordRoom(t, newTestClock())

	if !r.IsHostToken(hostToken) {
		t.Fatal("creator token is not a host token")
	}
	m, ok := r.ValidateToken(hostToken)
	if !ok || m.ExternalID != "host-1" {
		t.Fatalf("host token resolves to %+v", m)
	}
}

func TestFirstMemberOfSimpleRoomBecomesHost(t *testing.T) {
	reg := newTestRegistry(t, newTestClock())
	r, _ := reg.Create(Meta{MovieName: "Alien"})

	tokenA, err := r.GenerateUserToken("user-a", "ash")
	if err != nil {
		t.Fatalf("token a: %v", err)
	}
	if _, err := r.GenerateUserToken("user-b", "kane"); err != nil {
		t.Fatalf("token b: %v", err)
	}

	if !r.IsHostToken(tokenA) {
		t.Fatal("first member should be host")
	}
}

func TestGenerateUserTokenEnforcesCap(t *testing.T) {
	clock := newTestClock()
	reg := NewRegistry(testLogger(), t.TempDir(), WithClock(clock.Now), WithMaxClients(2))
	r, _ := reg.Create(Meta{MovieName: "Alien"})

	for i := 0; i < 2; i++ {
		if _, err := r.GenerateUserToken(fmt.Sprintf("user-%d", i), "user"); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}
	if _, err := r.GenerateUserToken("user-overflow", "late"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("over-cap token: got %v, want ErrRoomFull", err)
	}
	// An existing member still resolves past the cap.
	if _, err := r.GenerateUserToken("user-0", "user"); err != nil {
		t.Fatalf("rejoin at cap: %v", err)
	}
}

func TestConnectedAtStampsFirstAttachOnly(t *testing.T) {
	clock := newTestClock()
	r, _ := newDiscordRoom(t, clock)

	token, _ := r.GenerateUserToken("user-a", "ash")
	r.MarkConnected(token)
	first := memberByID(t, r, "user-a").ConnectedAt

	clock.Advance(30 * time.Second)
	r.MarkDisconnected(token)
	r.MarkConnected(token)

	if got := memberByID(t, r, "user-a").ConnectedAt; got != first {
		t.Fatalf("ConnectedAt moved on reattach: %d -> %d", first, got)
	}
}

func TestConnectedMembersFiltersDetached(t *testing.T) {
	r, hostToken := newDiscordRoom(t, newTestClock())
	tokenA, _ := r.GenerateUserToken("user-a", "ash")

	r.MarkConnected(hostToken)
	r.MarkConnected(tokenA)
	r.MarkDisconnected(tokenA)

	connected := r.ConnectedMembers()
	if len(connected) != 1 {
		t.Fatalf("connected members = %d, want 1", len(connected))
	}
	if connected[0].ExternalID != "host-1" {
		t.Fatalf("connected member = %s, want host-1", connected[0].ExternalID)
	}
	if r.MemberCount() != 2 {
		t.Fatalf("member count = %d, want 2 (disconnect keeps the token)", r.MemberCount())
	}
}

func TestSetMemberPing(t *testing.T) {
	r, hostToken := newDiscordRoom(t, newTestClock())
	r.MarkConnected(hostToken)
	r.SetMemberPing(hostToken, 42)

	if got := memberByID(t, r, "host-1").LastPingMs; got != 42 {
		t.Fatalf("ping = %d, want 42", got)
	}
}

func memberByID(t *testing.T, r *Room, externalID string) domain.Member {
	t.Helper()
	for _, m := range r.Members() {
		if m.ExternalID == externalID {
			return m
		}
	}
	t.Fatalf("member %s not found", externalID)
	return domain.Member{}
}
