// Package model holds the read-only data types shared by the session
// builder, version probe, and load balancer: backend endpoints,
// credentials, and the cluster-wide view of backend nodes.
package model

import "regexp"

// BackendEndpoint identifies a single backend socket address. It is
// immutable once constructed. A host beginning with "/" addresses a
// UNIX domain socket; otherwise it is a TCP host.
type BackendEndpoint struct {
	Host         string
	Port         uint16
	IsUnixSocket bool
}

// NewBackendEndpoint builds an endpoint, classifying it as UNIX or TCP
// from the host string's leading character.
func NewBackendEndpoint(host string, port uint16) BackendEndpoint {
	return BackendEndpoint{
		Host:         host,
		Port:         port,
		IsUnixSocket: len(host) > 0 && host[0] == '/',
	}
}

// Credentials holds the identity used to authenticate one session.
// Immutable per session.
type Credentials struct {
	User     string
	Database string
	Password string // empty means "no password configured"
}

// BackendNodeView is the core's read-only view of one backend node,
// as supplied by the (out-of-scope) cluster manager.
type BackendNodeView struct {
	Endpoint BackendEndpoint
	Weight   float64
	ValidRaw bool // node is nominally up
	Valid    bool // node is up and allowed to serve the current session mode
}

// ClusterView is a point-in-time, read-only snapshot of the
// replication cluster. The load balancer takes one snapshot at call
// entry and never re-reads it mid-selection.
type ClusterView struct {
	Nodes                    []BackendNodeView
	PrimaryNodeID            int32 // -1 if there is no primary
	MasterNodeID             int32 // always defined
	StreamingReplicationMode bool
}

// NumBackends returns the number of backend nodes in the view.
func (c ClusterView) NumBackends() int {
	return len(c.Nodes)
}

// RedirectRule maps a regex-matched database or application name to a
// symbolic routing target with an acceptance weight. Rules are
// evaluated in order; first match wins.
type RedirectRule struct {
	Pattern     *regexp.Regexp
	TargetToken string
	Weight      float64 // in [0.0, 1.0]
}

// RedirectRuleList is an ordered set of RedirectRule.
type RedirectRuleList []RedirectRule

// Match returns the index and rule of the first pattern in the list
// that matches name, or (-1, RedirectRule{}, false) if none match.
func (rl RedirectRuleList) Match(name string) (int, RedirectRule, bool) {
	for i, r := range rl {
		if r.Pattern != nil && r.Pattern.MatchString(name) {
			return i, r, true
		}
	}
	return -1, RedirectRule{}, false
}
