package spawn

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/execd/execd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveIdentityDefaultsWhenParamsNil(t *testing.T) {
	dflt := Identity{UID: 1000, GID: 1000}
	got := ResolveIdentity(nil, dflt, testLogger())
	if got != dflt {
		t.Fatalf("ResolveIdentity(nil, ...) = %+v, want %+v", got, dflt)
	}
}

func TestResolveIdentityNumeric(t *testing.T) {
	dflt := Identity{UID: 1000, GID: 1000}
	params := &wire.Params{UIDOrName: "2000", GIDOrName: "2001"}
	got := ResolveIdentity(params, dflt, testLogger())
	if got.UID != 2000 || got.GID != 2001 {
		t.Fatalf("ResolveIdentity numeric = %+v, want UID=2000 GID=2001", got)
	}
}

func TestResolveIdentityByName(t *testing.T) {
	dflt := Identity{UID: 1000, GID: 1000}
	wantUID := os.Getuid()
	params := &wire.Params{UIDOrName: strconv.Itoa(wantUID)}
	got := ResolveIdentity(params, dflt, testLogger())
	if got.UID != wantUID {
		t.Fatalf("ResolveIdentity by numeric string = %d, want %d", got.UID, wantUID)
	}
}

func TestResolveIdentityUnknownFallsBackToDefault(t *testing.T) {
	dflt := Identity{UID: 1000, GID: 1000}
	params := &wire.Params{UIDOrName: "definitely-not-a-real-user-xyz"}
	got := ResolveIdentity(params, dflt, testLogger())
	if got.UID != dflt.UID {
		t.Fatalf("unknown user lookup UID = %d, want fallback %d", got.UID, dflt.UID)
	}
}

func TestResolveIdentitySuppGIDsDropsUnresolvable(t *testing.T) {
	dflt := Identity{UID: 1000, GID: 1000}
	params := &wire.Params{SuppGIDs: []string{"0", "not-a-real-group-xyz", "1"}}
	got := ResolveIdentity(params, dflt, testLogger())
	if len(got.SuppGIDs) != 2 {
		t.Fatalf("SuppGIDs = %v, want 2 resolved entries", got.SuppGIDs)
	}
	if got.SuppGIDs[0] != 0 || got.SuppGIDs[1] != 1 {
		t.Fatalf("SuppGIDs = %v, want [0 1]", got.SuppGIDs)
	}
}
