package models

// ApprovalRule marks a class of items as needing human sign-off. A rule
// matches when every non-empty condition matches; an empty rule matches
// nothing.
type ApprovalRule struct {
	Name string `yaml:"name"`
	// Types lists item types (front matter "type") the rule applies to.
	Types []string `yaml:"types,omitempty"`
	// Actions lists item actions (front matter "action") the rule applies to.
	Actions []string `yaml:"actions,omitempty"`
	// AmountOver matches items whose amount is strictly greater.
	AmountOver *float64 `yaml:"amount_over,omitempty"`
	// NewRecipient matches items whose recipient is not in KnownRecipients.
	NewRecipient bool `yaml:"new_recipient,omitempty"`
	// Always forbids self-approval even when the owner reports "approved".
	Always bool `yaml:"always,omitempty"`
}

// ApprovalPolicy is the set of rules read from the handbook front matter.
type ApprovalPolicy struct {
	Rules           []ApprovalRule `yaml:"approval_rules"`
	KnownRecipients []string       `yaml:"known_recipients,omitempty"`
}
