package defcon

import (
	"slices"
	"strings"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// Authority maps the level being left to the roles allowed to downgrade
// from it.
type Authority map[model.DefconLevel][]string

// Well-known actor roles.
const (
	RoleRuntimeGuardian = "RUNTIME_GUARDIAN"
	RoleSTIG            = "STIG"
	RoleCEO             = "CEO"
	RoleVEGA            = "VEGA"

	// RoleCircuitBreaker and RoleAutoReset are recorded on automated
	// transitions; neither may downgrade through the authority table.
	RoleCircuitBreaker = "CIRCUIT_BREAKER"
	RoleAutoReset      = "AUTO_RESET"
)

// DefaultAuthority lets the runtime guardian step down from YELLOW and
// ORANGE, STIG from up to RED, and only CEO or VEGA from BLACK.
func DefaultAuthority() Authority {
	return Authority{
		model.DefconYellow: {RoleRuntimeGuardian, RoleSTIG, RoleCEO, RoleVEGA},
		model.DefconOrange: {RoleRuntimeGuardian, RoleSTIG, RoleCEO, RoleVEGA},
		model.DefconRed:    {RoleSTIG, RoleCEO, RoleVEGA},
		model.DefconBlack:  {RoleCEO, RoleVEGA},
	}
}

// ParseAuthority builds an Authority from configuration, e.g.
// {"red": ["STIG", "CEO"]}. Unknown levels are skipped.
func ParseAuthority(raw map[string][]string) Authority {
	if len(raw) == 0 {
		return DefaultAuthority()
	}
	a := Authority{}
	for k, roles := range raw {
		lvl, err := model.ParseDefconLevel(k)
		if err != nil {
			continue
		}
		for _, r := range roles {
			a[lvl] = append(a[lvl], strings.ToUpper(strings.TrimSpace(r)))
		}
	}
	return a
}

// Allows reports whether role may downgrade from level.
func (a Authority) Allows(from model.DefconLevel, role string) bool {
	if role == "" {
		return false
	}
	return slices.Contains(a[from], strings.ToUpper(role))
}
