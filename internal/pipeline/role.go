// Package pipeline runs a layer sequence split across the ranks of a
// linear chain.
//
// Each rank owns a contiguous stage of layers and a Transport to its
// neighbours. Its position fixes a Role, computed once, which decides
// where the stage input comes from and where its output goes:
//
//	           forward                          backward
//	First     input -> stage -> send(r+1)      recv(r+1) -> P1 -> P2
//	Interior  recv(r-1) -> stage -> send(r+1)  recv(r+1) -> P1 -> send(r-1) -> P2
//	Last      recv(r-1) -> stage -> output     dL/dy -> P1 -> send(r-1) -> P2
//	Solo      input -> stage -> output         dL/dy -> P1 -> P2
//
// The schedule is strictly synchronous: one batch is in flight at a time
// and every step ends with a device synchronize plus a barrier before the
// optimizer runs.
package pipeline

// Role is the position of a rank in the chain.
type Role int

// Roles.
const (
	// First is rank 0 of a chain with more than one rank.
	First Role = iota
	// Interior is any rank with a neighbour on both sides.
	Interior
	// Last is the final rank of a chain with more than one rank.
	Last
	// Solo is the only rank of a chain of one.
	Solo
)

// RoleOf returns the role of rank in a chain of world ranks.
func RoleOf(rank, world int) Role {
	switch {
	case world == 1:
		return Solo
	case rank == 0:
		return First
	case rank == world-1:
		return Last
	default:
		return Interior
	}
}

// String returns the role name.
func (r Role) String() string {
	switch r {
	case First:
		return "first"
	case Interior:
		return "interior"
	case Last:
		return "last"
	case Solo:
		return "solo"
	default:
		return "unknown"
	}
}

// HasPrev reports whether the stage input arrives from rank-1.
func (r Role) HasPrev() bool {
	return r == Interior || r == Last
}

// HasNext reports whether the stage output goes to rank+1.
func (r Role) HasNext() bool {
	return r == First || r == Interior
}
