// Package balancer selects which backend node of a streaming-
// replication cluster should service a client session, honoring
// per-database and per-application redirect rules with weighted
// randomization. It consumes a read-only
// snapshot of the cluster (model.ClusterView) and never mutates it —
// cluster membership and failover decisions live upstream.
package balancer

import (
	"math/rand"

	"github.com/poolcore/poolcore/internal/model"
)

// noPreference is the sentinel meaning "no redirect rule matched, or
// the matched rule's token didn't resolve to a concrete standby/node
// preference" — distinct from any real node id or the -1 "standby"
// sentinel.
const noPreference = -2

// SelectNode implements the decision ordering: database/application
// redirect preference, fallback weighted walk, master-node safety
// net. It is a closed function: the result is always master_node_id
// or a valid_raw node id.
func SelectNode(view model.ClusterView, database, applicationName string, dbRules, appRules model.RedirectRuleList) int32 {
	r := rand.Float64()

	var targetToken string
	var weight float64
	matched := false

	if view.StreamingReplicationMode && len(dbRules) > 0 {
		if _, rule, ok := dbRules.Match(database); ok {
			targetToken = rule.TargetToken
			weight = rule.Weight
			matched = true
		}
	}

	// An application-name match is independent of, and overrides, any
	// database match.
	if len(appRules) > 0 && applicationName != "" {
		if _, rule, ok := appRules.Match(applicationName); ok {
			targetToken = rule.TargetToken
			weight = rule.Weight
			matched = true
		}
	}

	suggested := int32(noPreference)
	if matched {
		suggested = ResolveToken(targetToken, view)
	}

	if suggested >= 0 && r <= weight {
		return suggested
	}

	noLoadBalanceNodeID := suggested
	excludePrimary := suggested == -1

	if suggested == -1 && r > weight {
		return view.PrimaryNodeID
	}

	return fallbackDraw(view, noLoadBalanceNodeID, excludePrimary)
}

// fallbackDraw runs a weighted walk across all valid_raw nodes,
// excluding noLoadBalanceNodeID and, when
// excludePrimary is set, the primary node too.
func fallbackDraw(view model.ClusterView, noLoadBalanceNodeID int32, excludePrimary bool) int32 {
	selected := view.MasterNodeID

	eligible := func(i int32, n model.BackendNodeView) bool {
		if !n.ValidRaw {
			return false
		}
		if i == noLoadBalanceNodeID {
			return false
		}
		if excludePrimary && i == view.PrimaryNodeID {
			return false
		}
		return true
	}

	var totalWeight float64
	for i, n := range view.Nodes {
		if eligible(int32(i), n) {
			totalWeight += n.Weight
		}
	}
	if totalWeight <= 0 {
		return selected
	}

	draw := rand.Float64() * totalWeight

	var cursor float64
	for i, n := range view.Nodes {
		if !eligible(int32(i), n) || n.Weight <= 0 {
			continue
		}
		if draw >= cursor {
			selected = int32(i)
		} else {
			break
		}
		cursor += n.Weight
	}

	return selected
}

// ResolveToken resolves a symbolic node token against the current
// cluster view.
func ResolveToken(token string, view model.ClusterView) int32 {
	switch token {
	case "primary":
		if view.PrimaryNodeID >= 0 {
			return view.PrimaryNodeID
		}
		return view.MasterNodeID
	case "standby":
		return -1
	default:
		n, ok := parseNodeLiteral(token)
		if !ok || n < 0 || n >= int32(view.NumBackends()) {
			return view.MasterNodeID
		}
		return n
	}
}

func parseNodeLiteral(token string) (int32, bool) {
	if token == "" {
		return 0, false
	}
	var n int32
	for _, c := range token {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int32(c-'0')
	}
	return n, true
}
