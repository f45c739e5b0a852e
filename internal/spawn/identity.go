package spawn

import (
	"log/slog"
	"os/user"
	"strconv"

	"github.com/execd/execd/internal/wire"
)

// Identity is the resolved uid/gid/supplementary-groups a child should run
// as, derived from a Params' symbolic-or-numeric user/group fields
// (spec.md §4.8).
type Identity struct {
	UID      int
	GID      int
	SuppGIDs []int
}

// ResolveIdentity looks up params' UIDOrName/GIDOrName/SuppGIDs, accepting
// either numeric ids or names. A lookup failure is logged and that single
// field falls back to the daemon's own identity (dflt) rather than aborting
// the whole spawn — matching spec.md §4.8's "default identity applies".
func ResolveIdentity(params *wire.Params, dflt Identity, log *slog.Logger) Identity {
	id := dflt
	if params == nil {
		return id
	}
	if params.UIDOrName != "" {
		if uid, err := resolveUID(params.UIDOrName); err != nil {
			log.Warn("spawn: uid lookup failed, using default identity", "user", params.UIDOrName, "error", err)
		} else {
			id.UID = uid
		}
	}
	if params.GIDOrName != "" {
		if gid, err := resolveGID(params.GIDOrName); err != nil {
			log.Warn("spawn: gid lookup failed, using default identity", "group", params.GIDOrName, "error", err)
		} else {
			id.GID = gid
		}
	}
	if len(params.SuppGIDs) > 0 {
		gids := make([]int, 0, len(params.SuppGIDs))
		for _, name := range params.SuppGIDs {
			gid, err := resolveGID(name)
			if err != nil {
				log.Warn("spawn: supplementary gid lookup failed, dropping it", "group", name, "error", err)
				continue
			}
			gids = append(gids, gid)
		}
		id.SuppGIDs = gids
	}
	return id
}

func resolveUID(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func resolveGID(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
