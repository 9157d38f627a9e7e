package secrets

// DefaultRules returns the built-in detection rules. They cover the token
// formats most likely to show up in shell output and API replies.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `(A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`,
		},
		{
			ID:          "private-key",
			Description: "PEM private key header",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b|\bgithub_pat_[A-Za-z0-9_]{82}\b`,
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `\bxox[abposr]-[A-Za-z0-9-]{10,}\b`,
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `\bsk-ant-[A-Za-z0-9_-]{32,}\b`,
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API key",
			Pattern:     `\bsk-(?:proj-)?[A-Za-z0-9_-]{32,}\b`,
		},
		{
			ID:          "jwt",
			Description: "JSON web token",
			Pattern:     `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`,
		},
		{
			ID:          "connection-string",
			Description: "Credentials embedded in a connection URL",
			Pattern:     `\b[a-z][a-z0-9+.-]*://[^:/\s]+:[^@/\s]+@[^\s]+`,
			Keywords:    []string{"://"},
		},
		{
			ID:          "bearer-token",
			Description: "Authorization bearer token",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
			Keywords:    []string{"bearer"},
		},
		{
			ID:          "assigned-secret",
			Description: "Secret assigned to a password-like key",
			Pattern:     `(?i)\b(?:password|passwd|secret|api[_-]?key|token)\s*[:=]\s*['"]?[^\s'"]{8,}`,
			Keywords:    []string{"password", "passwd", "secret", "key", "token"},
		},
	}
}
