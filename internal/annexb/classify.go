package annexb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Role is the caching role of an access unit, derived from its first byte.
type Role uint8

// Access unit roles. HeaderA and HeaderB are both parameter-set units and are
// cached identically; two codes exist because producers emit two distinct
// parameter-set units back to back.
const (
	RoleUnrecognized Role = iota
	RoleHeaderA
	RoleHeaderB
	RoleSync
	RoleOrdinary
)

var roleNames = [...]string{
	RoleUnrecognized: "unrecognized",
	RoleHeaderA:      "headerA",
	RoleHeaderB:      "headerB",
	RoleSync:         "sync",
	RoleOrdinary:     "ordinary",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// IsHeader reports whether r is one of the parameter-set roles.
func (r Role) IsHeader() bool {
	return r == RoleHeaderA || r == RoleHeaderB
}

// RoleTable maps the first payload byte of a unit to its role. The zero
// value classifies everything as RoleUnrecognized.
//
// The default codes (0x27, 0x28 for parameter sets, 0x25 for sync units and
// 0x21 for ordinary units) are the NAL header bytes emitted by the Raspberry
// Pi camera encoder: nal_ref_idc 1 with types 7, 8, 5 and 1. Other producers
// set different nal_ref_idc bits and need their own table.
type RoleTable [256]Role

// DefaultRoleTableSpec is the textual form of DefaultRoleTable.
const DefaultRoleTableSpec = "0x27=headerA,0x28=headerB,0x25=sync,0x21=ordinary"

// ErrRoleTable is wrapped by every ParseRoleTable error.
var ErrRoleTable = errors.New("annexb: invalid role table")

// DefaultRoleTable returns the table for the Raspberry Pi camera framing.
func DefaultRoleTable() RoleTable {
	var t RoleTable
	t[0x27] = RoleHeaderA
	t[0x28] = RoleHeaderB
	t[0x25] = RoleSync
	t[0x21] = RoleOrdinary
	return t
}

// Classify returns the role of unit. Only unit[0] is inspected; an empty
// unit is unrecognized.
func (t *RoleTable) Classify(unit []byte) Role {
	if len(unit) == 0 {
		return RoleUnrecognized
	}
	return t[unit[0]]
}

// ParseRoleTable parses a comma-separated list of code=role entries, for
// example "0x27=headerA,0x28=headerB,0x25=sync,0x21=ordinary". Codes accept
// any strconv base prefix. The role "header" assigns headerA to the first
// such entry and headerB to the second. A code may appear once, each header
// role at most once, and the table must name at least one header code and
// one sync code, since nothing can be cached without them.
func ParseRoleTable(s string) (RoleTable, error) {
	var t RoleTable
	seen := make(map[byte]bool)
	counts := make(map[Role]int)

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		codeStr, name, ok := strings.Cut(entry, "=")
		if !ok {
			return RoleTable{}, fmt.Errorf("%w: entry %q is not code=role", ErrRoleTable, entry)
		}
		code, err := strconv.ParseUint(strings.TrimSpace(codeStr), 0, 8)
		if err != nil {
			return RoleTable{}, fmt.Errorf("%w: code %q: %v", ErrRoleTable, codeStr, err)
		}
		b := byte(code)
		if seen[b] {
			return RoleTable{}, fmt.Errorf("%w: code 0x%02X listed twice", ErrRoleTable, b)
		}
		seen[b] = true

		role, err := parseRole(strings.TrimSpace(name), counts)
		if err != nil {
			return RoleTable{}, err
		}
		if role.IsHeader() && counts[role] > 0 {
			return RoleTable{}, fmt.Errorf("%w: %s assigned to more than one code", ErrRoleTable, role)
		}
		counts[role]++
		t[b] = role
	}

	if counts[RoleHeaderA]+counts[RoleHeaderB] == 0 {
		return RoleTable{}, fmt.Errorf("%w: no header code", ErrRoleTable)
	}
	if counts[RoleSync] == 0 {
		return RoleTable{}, fmt.Errorf("%w: no sync code", ErrRoleTable)
	}
	return t, nil
}

func parseRole(name string, counts map[Role]int) (Role, error) {
	switch strings.ToLower(name) {
	case "header":
		if counts[RoleHeaderA] == 0 {
			return RoleHeaderA, nil
		}
		return RoleHeaderB, nil
	case "headera":
		return RoleHeaderA, nil
	case "headerb":
		return RoleHeaderB, nil
	case "sync", "key":
		return RoleSync, nil
	case "ordinary":
		return RoleOrdinary, nil
	}
	return RoleUnrecognized, fmt.Errorf("%w: unknown role %q", ErrRoleTable, name)
}

// String renders the table in ParseRoleTable syntax, codes ascending.
func (t *RoleTable) String() string {
	var parts []string
	for code, role := range t {
		if role == RoleUnrecognized {
			continue
		}
		parts = append(parts, fmt.Sprintf("0x%02X=%s", code, role))
	}
	return strings.Join(parts, ",")
}
