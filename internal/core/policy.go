package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/valter-silva-au/digital-fte/pkg/models"
	"gopkg.in/yaml.v3"
)

// PolicyLoader reads the approval policy from the company handbook.
type PolicyLoader interface {
	Load() (*Policy, error)
}

type handbookPolicyLoader struct {
	path string
}

// NewHandbookPolicyLoader returns a PolicyLoader reading the YAML front
// matter of the handbook at path. A missing handbook yields an empty policy.
func NewHandbookPolicyLoader(path string) PolicyLoader {
	return &handbookPolicyLoader{path: path}
}

func (l *handbookPolicyLoader) Load() (*Policy, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewPolicy(models.ApprovalPolicy{}), nil
		}
		return nil, fmt.Errorf("loading approval policy: %w", err)
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") || strings.HasPrefix(content[4:], "---") {
		return NewPolicy(models.ApprovalPolicy{}), nil
	}
	end := strings.Index(content[4:], "\n---")
	if end < 0 {
		return nil, fmt.Errorf("loading approval policy: %w: handbook front matter is not closed", ErrMalformed)
	}

	var ap models.ApprovalPolicy
	if err := yaml.Unmarshal([]byte(content[4:4+end]), &ap); err != nil {
		return nil, fmt.Errorf("loading approval policy: %w: %v", ErrMalformed, err)
	}
	return NewPolicy(ap), nil
}

// Policy decides which items need human approval.
type Policy struct {
	rules []models.ApprovalRule
	known map[string]bool
}

// NewPolicy builds a Policy from its rules.
func NewPolicy(p models.ApprovalPolicy) *Policy {
	known := make(map[string]bool, len(p.KnownRecipients))
	for _, r := range p.KnownRecipients {
		known[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &Policy{rules: p.Rules, known: known}
}

// Rules returns the configured rules.
func (p *Policy) Rules() []models.ApprovalRule {
	return p.rules
}

// Match returns the first rule that applies to the item, or nil.
func (p *Policy) Match(item *models.Item) *models.ApprovalRule {
	for i := range p.rules {
		if p.matches(&p.rules[i], item) {
			return &p.rules[i]
		}
	}
	return nil
}

func (p *Policy) matches(r *models.ApprovalRule, item *models.Item) bool {
	conditions := 0

	if len(r.Types) > 0 {
		conditions++
		if !containsFold(r.Types, item.Get(models.MetaType)) {
			return false
		}
	}
	if len(r.Actions) > 0 {
		conditions++
		if !containsFold(r.Actions, item.Get(models.MetaAction)) {
			return false
		}
	}
	if r.AmountOver != nil {
		conditions++
		amount, ok := item.Amount()
		if !ok || amount <= *r.AmountOver {
			return false
		}
	}
	if r.NewRecipient {
		conditions++
		recipient := strings.ToLower(strings.TrimSpace(item.Get(models.MetaRecipient)))
		if recipient == "" || p.known[recipient] {
			return false
		}
	}
	return conditions > 0
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
