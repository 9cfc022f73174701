// Package actorid implements the ActorId tagged union: either an
// entity's UUID or a block entity's dimension-scoped coordinate. Both
// SafeTick and the Freeze Registry key exclusively off this type.
package actorid

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the ActorId union.
type Kind uint8

const (
	KindEntity Kind = iota
	KindBlockPos
)

// DimensionId is an interned string identifier for a dimension (e.g.
// "minecraft:overworld"). Interning keeps ActorId comparisons and hashes
// cheap: two DimensionId values referring to the same dimension compare
// equal as plain strings without normalization at each call site.
type DimensionId string

// ActorId is a structural tagged union over an entity UUID or a block
// position. Zero value is not a valid ActorId; use NewEntity or NewBlockPos.
type ActorId struct {
	kind Kind

	entity uuid.UUID

	dim  DimensionId
	x, y, z int32
}

// NewEntity builds an ActorId for an in-world entity.
func NewEntity(id uuid.UUID) ActorId {
	return ActorId{kind: KindEntity, entity: id}
}

// NewEntityRandom allocates a fresh random entity ActorId, replacing the
// hand-rolled hex generator the teacher used for ad hoc identifiers.
func NewEntityRandom() ActorId {
	return NewEntity(uuid.New())
}

// NewBlockPos builds an ActorId for a block entity at a dimension-scoped
// coordinate.
func NewBlockPos(dim DimensionId, x, y, z int32) ActorId {
	return ActorId{kind: KindBlockPos, dim: dim, x: x, y: y, z: z}
}

// Kind reports which union member is populated.
func (a ActorId) Kind() Kind { return a.kind }

// Entity returns the entity UUID and true if a is an entity id.
func (a ActorId) Entity() (uuid.UUID, bool) {
	if a.kind != KindEntity {
		return uuid.UUID{}, false
	}
	return a.entity, true
}

// BlockPos returns the block coordinate fields and true if a is a block id.
func (a ActorId) BlockPos() (dim DimensionId, x, y, z int32, ok bool) {
	if a.kind != KindBlockPos {
		return "", 0, 0, 0, false
	}
	return a.dim, a.x, a.y, a.z, true
}

// Equal reports structural equality, per spec's "Equality is structural".
func (a ActorId) Equal(b ActorId) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindEntity:
		return a.entity == b.entity
	case KindBlockPos:
		return a.dim == b.dim && a.x == b.x && a.y == b.y && a.z == b.z
	default:
		return false
	}
}

// Key returns a comparable value suitable as a Go map key, since ActorId
// itself is comparable (all fields are plain value types) but callers
// that want an explicit string form (logging, journal keys) use this.
func (a ActorId) Key() string {
	switch a.kind {
	case KindEntity:
		return "e:" + a.entity.String()
	case KindBlockPos:
		return fmt.Sprintf("b:%s:%d:%d:%d", a.dim, a.x, a.y, a.z)
	default:
		return "?"
	}
}

func (a ActorId) String() string { return a.Key() }
