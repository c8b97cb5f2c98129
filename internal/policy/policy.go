// Package policy implements the role-based authorization layer: an
// INI-like roles file maps role names to members (with @group
// expansion) and actions (with @other-role union expansion), plus a
// reserved "anonymous" role. Grounded on spec.md §4.4; no pack example
// parses a bespoke INI-like roles document with a library and the format
// is small enough that a generic INI library would not shrink the code,
// so this is deliberately stdlib-only (bufio + strings), unlike most of
// the rest of this module.
package policy

import (
	"bufio"
	"os/user"
	"strings"

	"github.com/distr1/fatbuildr/internal/ferrors"
)

const anonymousRole = "anonymous"

// Role is one entry in the roles file: a name, its member list (user
// names and/or "@group" references) and its resolved action set.
type Role struct {
	Name    string
	Members []string
	actions []string // raw, possibly containing "@other-role" references
}

// Policy holds every parsed role.
type Policy struct {
	roles map[string]*Role
}

// Parse reads an INI-like roles document:
//
//	[roles]
//	anonymous =
//	viewers = alice, @wheel
//	builders = bob, @build-team
//
//	[viewers]
//	actions = view-registry
//
//	[builders]
//	actions = build, @viewers
func Parse(r *bufio.Reader) (*Policy, error) {
	p := &Policy{roles: map[string]*Role{}}
	var section string
	var membership map[string][]string

	lines, err := readAllLines(r)
	if err != nil {
		return nil, err
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if section != "roles" {
				if _, ok := p.roles[section]; !ok {
					p.roles[section] = &Role{Name: section}
				}
			}
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		if section == "roles" {
			if membership == nil {
				membership = map[string][]string{}
			}
			name := key
			if name == anonymousRole {
				if _, ok := p.roles[name]; !ok {
					p.roles[name] = &Role{Name: name}
				}
				continue
			}
			var members []string
			for _, m := range strings.Split(value, ",") {
				m = strings.TrimSpace(m)
				if m != "" {
					members = append(members, m)
				}
			}
			membership[name] = members
			if _, ok := p.roles[name]; !ok {
				p.roles[name] = &Role{Name: name}
			}
			p.roles[name].Members = members
			continue
		}

		if key == "actions" {
			role, ok := p.roles[section]
			if !ok {
				role = &Role{Name: section}
				p.roles[section] = role
			}
			for _, a := range strings.Split(value, ",") {
				a = strings.TrimSpace(a)
				if a != "" {
					role.actions = append(role.actions, a)
				}
			}
		}
	}
	return p, nil
}

func readAllLines(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			break
		}
	}
	return lines, nil
}

// expandActions resolves a role's actions, unioning in referenced roles'
// actions transitively (property 9: "@A,x" includes x and every action of
// role A).
func (p *Policy) expandActions(roleName string, seen map[string]bool) []string {
	if seen[roleName] {
		return nil
	}
	seen[roleName] = true
	role, ok := p.roles[roleName]
	if !ok {
		return nil
	}
	var out []string
	for _, a := range role.actions {
		if strings.HasPrefix(a, "@") {
			out = append(out, p.expandActions(strings.TrimPrefix(a, "@"), seen)...)
		} else {
			out = append(out, a)
		}
	}
	return out
}

// ExpandActions is the exported, test-facing form of a role's fully
// unioned action set (property 9).
func (p *Policy) ExpandActions(roleName string) []string {
	return p.expandActions(roleName, map[string]bool{})
}

func contains(items []string, item string) bool {
	for _, x := range items {
		if x == item {
			return true
		}
	}
	return false
}

// ValidateAnonymousAction reports whether the anonymous role grants
// action.
func (p *Policy) ValidateAnonymousAction(action string) bool {
	return contains(p.ExpandActions(anonymousRole), action)
}

// groupMembers expands an "@group" reference into its Unix group's
// member user names.
func groupMembers(group string) []string {
	g, err := user.LookupGroup(group)
	if err != nil {
		return nil
	}
	uids, err := g.Users()
	if err != nil || uids == nil {
		return nil
	}
	return uids
}

func memberMatches(member, username string) bool {
	if strings.HasPrefix(member, "@") {
		group := strings.TrimPrefix(member, "@")
		for _, u := range groupMembers(group) {
			if u == username {
				return true
			}
		}
		return false
	}
	return member == username
}

// ValidateUserAction scans every role whose membership matches user (by
// name or group) and reports whether any of them grants action.
func (p *Policy) ValidateUserAction(username, action string) bool {
	for name, role := range p.roles {
		if name == anonymousRole {
			continue
		}
		matched := false
		for _, m := range role.Members {
			if memberMatches(m, username) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if contains(p.ExpandActions(name), action) {
			return true
		}
	}
	return false
}

// Authorize is the single entry point a server handler calls: it returns
// a *ferrors.ServerPermissionError when the action is denied, nil when
// granted. An empty username means the request is anonymous.
func Authorize(p *Policy, username, action string) error {
	if username == "" {
		if p.ValidateAnonymousAction(action) {
			return nil
		}
		return &ferrors.ServerPermissionError{Action: action}
	}
	if p.ValidateUserAction(username, action) || p.ValidateAnonymousAction(action) {
		return nil
	}
	return &ferrors.ServerPermissionError{Action: action, User: username}
}
