package defcon

import "github.com/MetaStark/vision-IoS-sub006/internal/model"

// Permissions is the most an agent may do at a level. Callers check it before
// any gated operation; the machine itself enforces nothing.
type Permissions struct {
	Level               model.DefconLevel `json:"level"`
	AllowIngestion      bool              `json:"allow_ingestion"`
	AllowCostlyOps      bool              `json:"allow_costly_operations"`
	ForcePaperTrading   bool              `json:"force_paper_trading"`
	DatabaseReadOnly    bool              `json:"database_read_only"`
	RevokeKeys          bool              `json:"revoke_keys"`
	RequiresManualReset bool              `json:"requires_manual_reset"`
	Description         string            `json:"description"`
}

// Profile returns the permission profile for a level. Unknown levels get
// BLACK's profile.
func Profile(level model.DefconLevel) Permissions {
	switch level {
	case model.DefconGreen:
		return Permissions{
			Level: level, AllowIngestion: true, AllowCostlyOps: true,
			Description: "nominal operations",
		}
	case model.DefconYellow:
		return Permissions{
			Level: level, AllowIngestion: true,
			Description: "scarcity or latency warning: cost-heavy operations suspended",
		}
	case model.DefconOrange:
		return Permissions{
			Level: level, AllowIngestion: true, ForcePaperTrading: true,
			Description: "high volatility or governance drift: paper trading only",
		}
	case model.DefconRed:
		return Permissions{
			Level: level, ForcePaperTrading: true, DatabaseReadOnly: true,
			Description: "circuit breaker: pipelines halted, database read-only",
		}
	default:
		return Permissions{
			Level: model.DefconBlack, ForcePaperTrading: true, DatabaseReadOnly: true,
			RevokeKeys: true, RequiresManualReset: true,
			Description: "governance breach: keys revoked, manual reset required",
		}
	}
}
