package defcon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

func TestProfile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level       model.DefconLevel
		ingest      bool
		costly      bool
		paper       bool
		readOnly    bool
		revoke      bool
		manualReset bool
	}{
		{model.DefconGreen, true, true, false, false, false, false},
		{model.DefconYellow, true, false, false, false, false, false},
		{model.DefconOrange, true, false, true, false, false, false},
		{model.DefconRed, false, false, true, true, false, false},
		{model.DefconBlack, false, false, true, true, true, true},
		{model.DefconLevel("PURPLE"), false, false, true, true, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			p := Profile(tt.level)
			assert.Equal(t, tt.ingest, p.AllowIngestion)
			assert.Equal(t, tt.costly, p.AllowCostlyOps)
			assert.Equal(t, tt.paper, p.ForcePaperTrading)
			assert.Equal(t, tt.readOnly, p.DatabaseReadOnly)
			assert.Equal(t, tt.revoke, p.RevokeKeys)
			assert.Equal(t, tt.manualReset, p.RequiresManualReset)
			assert.NotEmpty(t, p.Description)
		})
	}
}

func TestDefaultAuthority(t *testing.T) {
	t.Parallel()
	a := DefaultAuthority()

	assert.True(t, a.Allows(model.DefconYellow, RoleRuntimeGuardian))
	assert.True(t, a.Allows(model.DefconOrange, "runtime_guardian"))
	assert.False(t, a.Allows(model.DefconRed, RoleRuntimeGuardian))
	assert.True(t, a.Allows(model.DefconRed, RoleSTIG))
	assert.False(t, a.Allows(model.DefconBlack, RoleSTIG))
	assert.True(t, a.Allows(model.DefconBlack, RoleCEO))
	assert.True(t, a.Allows(model.DefconBlack, RoleVEGA))
	assert.False(t, a.Allows(model.DefconBlack, ""))
	assert.False(t, a.Allows(model.DefconRed, RoleCircuitBreaker))
	assert.False(t, a.Allows(model.DefconYellow, RoleAutoReset))
}

func TestParseAuthority(t *testing.T) {
	t.Parallel()

	a := ParseAuthority(map[string][]string{
		"red":   {" stig ", "ceo"},
		"bogus": {"CEO"},
		"BLACK": {"vega"},
	})
	assert.True(t, a.Allows(model.DefconRed, RoleSTIG))
	assert.True(t, a.Allows(model.DefconBlack, RoleVEGA))
	assert.False(t, a.Allows(model.DefconBlack, RoleCEO))
	assert.False(t, a.Allows(model.DefconYellow, RoleRuntimeGuardian))

	assert.Equal(t, DefaultAuthority(), ParseAuthority(nil))
}
