package escrow

import "strings"

// Role identifies a capability a caller holds with respect to one escrow.
type Role uint8

const (
	RoleBuyer Role = 1 << iota
	RoleSeller
	RoleOwner
	// RoleAny is granted to every caller once the escrow has expired.
	RoleAny
)

// RoleSet is the set of roles computed for a caller on a single call.
type RoleSet uint8

// RolesFor evaluates the caller's roles from the stored parties, the platform
// owner and the current height. A nil escrow yields only the owner role.
func RolesFor(esc *Escrow, caller, owner [20]byte, height uint64) RoleSet {
	var set RoleSet
	if owner != ([20]byte{}) && caller == owner {
		set |= RoleSet(RoleOwner)
	}
	if esc == nil {
		return set
	}
	if caller == esc.Buyer {
		set |= RoleSet(RoleBuyer)
	}
	if caller == esc.Seller {
		set |= RoleSet(RoleSeller)
	}
	if esc.ExpiredAt(height) {
		set |= RoleSet(RoleAny)
	}
	return set
}

// Has reports whether the set contains role.
func (s RoleSet) Has(role Role) bool {
	return s&RoleSet(role) != 0
}

// HasAny reports whether the set contains at least one of roles.
func (s RoleSet) HasAny(roles ...Role) bool {
	for _, role := range roles {
		if s.Has(role) {
			return true
		}
	}
	return false
}

func (s RoleSet) String() string {
	names := make([]string, 0, 4)
	if s.Has(RoleBuyer) {
		names = append(names, "buyer")
	}
	if s.Has(RoleSeller) {
		names = append(names, "seller")
	}
	if s.Has(RoleOwner) {
		names = append(names, "owner")
	}
	if s.Has(RoleAny) {
		names = append(names, "any")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
