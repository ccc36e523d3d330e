package window

import (
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/l1jgo/replication/internal/core/ecs"
	"golang.org/x/crypto/blake2b"
)

// NetworkRole is the fidelity at which an entity is replicated to one connection.
type NetworkRole uint8

const (
	RoleInvalid    NetworkRole = iota
	RoleClient                 // proxy: interpolated, no local simulation
	RoleAutonomous             // predicted locally by the controlling client
	RoleServer
	RoleAuthority
)

func (r NetworkRole) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleAutonomous:
		return "autonomous"
	case RoleServer:
		return "server"
	case RoleAuthority:
		return "authority"
	default:
		return "invalid"
	}
}

// ReplicationSet maps each entity in the window to its role. Built fresh every
// update; the caller owns the returned map.
type ReplicationSet map[ecs.EntityID]NetworkRole

// Entry is one (entity, role) pair of a ReplicationSet.
type Entry struct {
	Entity ecs.EntityID
	Role   NetworkRole
}

// Sorted returns the set's entries ordered by entity id.
func (s ReplicationSet) Sorted() []Entry {
	out := make([]Entry, 0, len(s))
	for id, role := range s {
		out = append(out, Entry{Entity: id, Role: role})
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Entity, b.Entity) })
	return out
}

// Equal reports whether both sets hold the same entities with the same roles.
func (s ReplicationSet) Equal(o ReplicationSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id, role := range s {
		if r, ok := o[id]; !ok || r != role {
			return false
		}
	}
	return true
}

// Digest is a BLAKE2b-256 hash over the sorted (id, role) pairs. Two sets have the
// same digest iff they are Equal (up to hash collisions); used to compare window
// output across runs and hosts without shipping the whole set.
func (s ReplicationSet) Digest() [32]byte {
	h, _ := blake2b.New256(nil) // nil key never errors
	var buf [9]byte
	for _, e := range s.Sorted() {
		binary.LittleEndian.PutUint64(buf[:8], uint64(e.Entity))
		buf[8] = byte(e.Role)
		h.Write(buf[:])
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
