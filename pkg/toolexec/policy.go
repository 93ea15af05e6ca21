package toolexec

// Policy defines which tools an agent run may use. Deny entries override
// allow entries; "*" matches everything.
type Policy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// IsAllowed checks a tool name against the policy. A nil policy allows all.
func (p *Policy) IsAllowed(toolName string) bool {
	if p == nil {
		return true
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}
