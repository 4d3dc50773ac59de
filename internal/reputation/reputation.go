// Package reputation maps accumulated user reputation onto server tiers
// and decides when a new key request earns reputation. Pure functions over
// preloaded structs; callers own all persistence.
package reputation

import (
	"keygate/internal/model"
)

// ServerLevel returns the highest tier whose threshold the reputation
// clears. tierMap must be non-decreasing; by convention tierMap[0] == 0.
func ServerLevel(rep int, tierMap []int) int {
	for n := len(tierMap) - 1; n >= 0; n-- {
		if rep >= tierMap[n] {
			return n
		}
	}
	return 0
}

// AfterNewKey is the sole reputation-increase rule: +1 per rewarded key
// request.
func AfterNewKey(rep int) int {
	return rep + 1
}

// ShouldIncrease decides whether handing the user a fresh key rewards
// them. The user's Keys must be preloaded with their Server.
//
// A user with no prior keys never gains reputation: the reward is for
// having held a working server, not for showing up.
func ShouldIncrease(user *model.User, distModel model.DistModel) bool {
	switch distModel {
	case model.DistLocationed:
		if len(user.Keys) == 0 {
			return false
		}
		// Any working regional server is enough; siblings being down
		// should not punish the user.
		for _, key := range user.Keys {
			if key.Server.IsWorking() {
				return true
			}
		}
		return false
	case model.DistFixedIP:
		return false
	default: // model.DistBasic
		if len(user.Keys) == 0 {
			return false
		}
		return user.Keys[0].Server.IsWorking()
	}
}
