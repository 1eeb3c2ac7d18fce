package ratelimit

// Tier names.
const (
	TierIP      = "ip"
	TierUser    = "user"
	TierGlobal  = "global"
	TierPremium = "premium"
)

// Plan holds the configured tiers and decides which apply to a request.
type Plan struct {
	IP      Tier
	User    Tier
	Global  Tier
	Premium Tier
}

// NewPlan names the tiers.
func NewPlan(ip, user, global, premium Tier) Plan {
	ip.Name = TierIP
	user.Name = TierUser
	global.Name = TierGlobal
	premium.Name = TierPremium
	return Plan{IP: ip, User: user, Global: global, Premium: premium}
}

// Checks returns the checks for a request from network. An authenticated
// user adds a per-user check; premium users get the premium tier in place
// of the per-user tier. The global check always runs last.
func (p Plan) Checks(network, userID string, premium bool) []Check {
	checks := []Check{{Scope: TierIP + ":" + network, Tier: p.IP}}
	if userID != "" {
		if premium {
			checks = append(checks, Check{Scope: TierPremium + ":" + userID, Tier: p.Premium})
		} else {
			checks = append(checks, Check{Scope: TierUser + ":" + userID, Tier: p.User})
		}
	}
	return append(checks, Check{Scope: TierGlobal, Tier: p.Global})
}
