package lifecycle

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"setu/core/store"
)

// ActionVolunteer is the policy action for joining an in-progress report.
const ActionVolunteer = "volunteer"

// Edge is one permitted status change. RequiresAssignee limits the edge to the
// NGO the report is assigned to.
type Edge struct {
	From             store.Status
	To               store.Status
	Role             store.Role
	RequiresAssignee bool
}

// Edges is the whole state machine. Each status has at most one successor.
var Edges = []Edge{
	{From: store.StatusPendingVerification, To: store.StatusVerified, Role: store.RoleSystem},
	{From: store.StatusVerified, To: store.StatusInProgress, Role: store.RoleNGO},
	{From: store.StatusInProgress, To: store.StatusCompleted, Role: store.RoleNGO, RequiresAssignee: true},
}

const policyModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Successor returns the only status reachable from s.
func Successor(s store.Status) (store.Status, bool) {
	if e, ok := edgeFrom(s); ok {
		return e.To, true
	}
	return "", false
}

func edgeFrom(s store.Status) (Edge, bool) {
	for _, e := range Edges {
		if e.From == s {
			return e, true
		}
	}
	return Edge{}, false
}

// Rules answers capability questions from a casbin policy generated out of
// Edges. Subjects are roles, objects are current statuses, actions are target
// statuses or ActionVolunteer.
type Rules struct {
	enforcer *casbin.Enforcer
}

func NewRules() (*Rules, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("lifecycle model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("lifecycle enforcer: %w", err)
	}
	for _, edge := range Edges {
		if _, err := e.AddPolicy(string(edge.Role), string(edge.From), string(edge.To)); err != nil {
			return nil, err
		}
	}
	if _, err := e.AddPolicy(string(store.RoleCitizen), string(store.StatusInProgress), ActionVolunteer); err != nil {
		return nil, err
	}
	return &Rules{enforcer: e}, nil
}

// RoleAllowed reports whether role may attempt from -> to, ignoring assignment.
func (r *Rules) RoleAllowed(role store.Role, from, to store.Status) bool {
	return r.enforce(string(role), string(from), string(to))
}

// CanTransition is the single capability check for a status change.
func (r *Rules) CanTransition(role store.Role, from, to store.Status, isAssignee bool) bool {
	e, ok := edgeFrom(from)
	if !ok || e.To != to {
		return false
	}
	if !r.RoleAllowed(role, from, to) {
		return false
	}
	return !e.RequiresAssignee || isAssignee
}

func (r *Rules) CanVolunteer(role store.Role, status store.Status) bool {
	return r.enforce(string(role), string(status), ActionVolunteer)
}

func (r *Rules) enforce(sub, obj, act string) bool {
	ok, err := r.enforcer.Enforce(sub, obj, act)
	return err == nil && ok
}
