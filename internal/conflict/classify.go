package conflict

import (
	"strings"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// exactCodes maps well-known event type codes straight to a category.
var exactCodes = map[string]model.EventTypeCategory{
	"FOMC_DECISION":          model.CategoryMacroRate,
	"FED_FUNDS_RATE":         model.CategoryMacroRate,
	"ECB_RATE_DECISION":      model.CategoryMacroRate,
	"BOE_RATE_DECISION":      model.CategoryMacroRate,
	"BOJ_RATE_DECISION":      model.CategoryMacroRate,
	"TREASURY_YIELD":         model.CategoryMacroRate,
	"CPI":                    model.CategoryMacroInflation,
	"CORE_CPI":               model.CategoryMacroInflation,
	"PCE":                    model.CategoryMacroInflation,
	"CORE_PCE":               model.CategoryMacroInflation,
	"PPI":                    model.CategoryMacroInflation,
	"HICP":                   model.CategoryMacroInflation,
	"NFP":                    model.CategoryMacroEmployment,
	"NONFARM_PAYROLLS":       model.CategoryMacroEmployment,
	"UNEMPLOYMENT_RATE":      model.CategoryMacroEmployment,
	"INITIAL_JOBLESS_CLAIMS": model.CategoryMacroEmployment,
	"JOLTS":                  model.CategoryMacroEmployment,
	"ADP_EMPLOYMENT":         model.CategoryMacroEmployment,
	"GDP":                    model.CategoryMacroGrowth,
	"ISM_MANUFACTURING":      model.CategoryMacroGrowth,
	"ISM_SERVICES":           model.CategoryMacroGrowth,
	"RETAIL_SALES":           model.CategoryMacroGrowth,
	"INDUSTRIAL_PRODUCTION":  model.CategoryMacroGrowth,
	"EPS":                    model.CategoryEquityEarnings,
	"DIVIDEND":               model.CategoryEquityCorporateAction,
	"STOCK_SPLIT":            model.CategoryEquityCorporateAction,
	"BUYBACK":                model.CategoryEquityCorporateAction,
	"HALVING":                model.CategoryCryptoProtocol,
	"HARD_FORK":              model.CategoryCryptoProtocol,
	"TOKEN_UNLOCK":           model.CategoryCryptoProtocol,
	"ETF_APPROVAL":           model.CategoryCryptoRegulatory,
}

type keywordRule struct {
	keyword  string
	domain   model.Domain // empty matches any domain
	category model.EventTypeCategory
}

// keywordRules are tried in order against the tokens of codes that have no
// exact entry.
var keywordRules = []keywordRule{
	{"RATE", model.DomainMacro, model.CategoryMacroRate},
	{"YIELD", "", model.CategoryMacroRate},
	{"FOMC", "", model.CategoryMacroRate},
	{"INFLATION", "", model.CategoryMacroInflation},
	{"CPI", "", model.CategoryMacroInflation},
	{"PCE", "", model.CategoryMacroInflation},
	{"PAYROLLS", "", model.CategoryMacroEmployment},
	{"EMPLOYMENT", "", model.CategoryMacroEmployment},
	{"UNEMPLOYMENT", "", model.CategoryMacroEmployment},
	{"JOBLESS", "", model.CategoryMacroEmployment},
	{"GDP", "", model.CategoryMacroGrowth},
	{"PMI", "", model.CategoryMacroGrowth},
	{"EARNINGS", "", model.CategoryEquityEarnings},
	{"REVENUE", model.DomainEquity, model.CategoryEquityEarnings},
	{"GUIDANCE", model.DomainEquity, model.CategoryEquityEarnings},
	{"DIVIDEND", "", model.CategoryEquityCorporateAction},
	{"SPLIT", model.DomainEquity, model.CategoryEquityCorporateAction},
	{"MERGER", "", model.CategoryEquityCorporateAction},
	{"ACQUISITION", "", model.CategoryEquityCorporateAction},
	{"SPINOFF", "", model.CategoryEquityCorporateAction},
	{"FORK", "", model.CategoryCryptoProtocol},
	{"UPGRADE", model.DomainCrypto, model.CategoryCryptoProtocol},
	{"UNLOCK", model.DomainCrypto, model.CategoryCryptoProtocol},
	{"STAKING", "", model.CategoryCryptoProtocol},
	{"REGULATORY", model.DomainCrypto, model.CategoryCryptoRegulatory},
	{"SEC", model.DomainCrypto, model.CategoryCryptoRegulatory},
	{"ETF", model.DomainCrypto, model.CategoryCryptoRegulatory},
	{"BAN", model.DomainCrypto, model.CategoryCryptoRegulatory},
}

// Classify maps an event type code and domain to the category reliability
// is calibrated at. It never fails: codes it does not recognise land in
// CROSS_ASSET.
func Classify(eventTypeCode string, domain model.Domain) model.EventTypeCategory {
	code := normalizeCode(eventTypeCode)
	if code == "" {
		return model.CategoryCrossAsset
	}
	if c, ok := exactCodes[code]; ok {
		return c
	}
	if c := model.EventTypeCategory(code); c.Valid() {
		return c
	}

	tokens := strings.Split(code, "_")
	for _, r := range keywordRules {
		if r.domain != "" && r.domain != domain {
			continue
		}
		for _, tok := range tokens {
			if tok == r.keyword {
				return r.category
			}
		}
	}
	return model.CategoryCrossAsset
}

func normalizeCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.', '/':
			return '_'
		}
		return r
	}, s)
}
