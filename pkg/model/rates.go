package model

import (
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
)

// rateMTUSentinel is used when the recommended MTU cannot be computed.
const rateMTUSentinel = 0xFFFF

// policeAction builds the two-slot policer sequence: a token-bucket police
// action whose in-bucket verdict continues to the next action and whose
// overlimit verdict drops, followed by a continue so later rules still run.
func policeAction(v *Virt, rate *QosRate) rules.ActionDesc {
	return rules.ActionDesc{
		Name:  "police",
		Count: 2,
		Gen: func(acts *[]nl.Action) {
			mtu := uint(rateMTUSentinel)
			if recommended, err := v.GetRecommendedMTU(); err == nil {
				mtu = recommended
			}
			*acts = append(*acts,
				nl.Police{
					AvgRate:        uint32(rate.AvgRate),
					Burst:          rate.BurstSize,
					PeakRate:       uint32(rate.BurstRate),
					MTU:            uint32(mtu),
					ConformVerdict: nl.VerdictPipe,
					ExceedVerdict:  nl.VerdictShot,
				},
				nl.Gact{Verdict: nl.VerdictContinue},
			)
		},
	}
}

// commitRateOn installs one policer at the reserved policing priority of the
// given ruleset.
func commitRateOn(v *Virt, rs *rules.Ruleset, rule *rules.Rule, rate *QosRate) (*rules.Prio, error) {
	prio, err := rs.DefinePrio(rules.IfPrioPolicing, rules.Schema{})
	if err != nil {
		return nil, err
	}
	rule.Subprio = 0
	rule.Matches = [rules.MaxMatches]rules.MatchData{}
	rule.Action = policeAction(v, rate)
	if err := prio.Add(rule); err != nil {
		if remErr := rs.RemovePrio(prio); remErr != nil {
			v.network.ctx.inconsistent = true
			return nil, remErr
		}
		return nil, err
	}
	return prio, nil
}

// commitRates installs the virt's policers. The direction mapping is part
// of the contract: rate_in polices traffic the virt receives, which egresses
// this host toward the virt, so it lands on the egress-side ruleset, and
// vice versa.
func (v *Virt) commitRates() error {
	if v.attrRateIn != nil {
		prio, err := commitRateOn(v, v.rulesOut, &v.policingRuleIn, v.attrRateIn)
		if err != nil {
			return err
		}
		v.policingIn = prio
	}
	if v.attrRateOut != nil {
		prio, err := commitRateOn(v, v.rulesIn, &v.policingRuleOut, v.attrRateOut)
		if err != nil {
			v.decommitRates()
			return err
		}
		v.policingOut = prio
	}
	return nil
}

// decommitRates removes the virt's policers.
func (v *Virt) decommitRates() {
	ctx := v.network.ctx
	if v.policingIn != nil {
		markCommitErr(ctx, &v.state, virtRef(v), true, v.policingRuleIn.Remove())
		markCommitErr(ctx, &v.state, virtRef(v), true, v.rulesOut.RemovePrio(v.policingIn))
		v.policingIn = nil
		v.policingRuleIn = rules.Rule{}
	}
	if v.policingOut != nil {
		markCommitErr(ctx, &v.state, virtRef(v), true, v.policingRuleOut.Remove())
		markCommitErr(ctx, &v.state, virtRef(v), true, v.rulesIn.RemovePrio(v.policingOut))
		v.policingOut = nil
		v.policingRuleOut = rules.Rule{}
	}
}
