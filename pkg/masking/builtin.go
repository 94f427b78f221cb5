package masking

// PatternDef is one regex masking pattern definition: a name, the regex
// source, its replacement, and a human-readable description.
type PatternDef struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns are the regex-based masking patterns available to every
// tool's masking configuration by name. Secret shapes (API keys, tokens,
// certificates) are not domain-specific.
func builtinPatterns() map[string]PatternDef {
	return map[string]PatternDef{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey|key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "[MASKED_API_KEY]"`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|pwd|pass)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "[MASKED_PASSWORD]"`,
			Description: "Passwords",
		},
		"certificate": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `[MASKED_CERTIFICATE]`,
			Description: "SSL/TLS certificates",
		},
		"certificate_authority_data": {
			Pattern:     `(?i)certificate-authority-data:\s*([A-Za-z0-9+/]{20,}={0,2})`,
			Replacement: `certificate-authority-data: [MASKED_CA_CERTIFICATE]`,
			Description: "Kubernetes CA data",
		},
		"token": {
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "[MASKED_TOKEN]"`,
			Description: "Access tokens",
		},
		"email": {
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
			Replacement: `[MASKED_EMAIL]`,
			Description: "Email addresses",
		},
		"ssh_key": {
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `[MASKED_SSH_KEY]`,
			Description: "SSH public keys",
		},
		"private_key": {
			Pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"private_key": "[MASKED_PRIVATE_KEY]"`,
			Description: "Private keys",
		},
		"secret_key": {
			Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"secret_key": "[MASKED_SECRET_KEY]"`,
			Description: "Secret keys",
		},
		"aws_access_key": {
			Pattern:     `(?i)(?:aws[_-]?access[_-]?key[_-]?id)["']?\s*[:=]\s*["']?(AKIA[A-Z0-9]{16})["']?`,
			Replacement: `"aws_access_key_id": "[MASKED_AWS_KEY]"`,
			Description: "AWS access keys",
		},
		"aws_secret_key": {
			Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
			Replacement: `"aws_secret_access_key": "[MASKED_AWS_SECRET]"`,
			Description: "AWS secret keys",
		},
		"github_token": {
			Pattern:     `(?i)(?:github[_-]?token|gh[ps]_[A-Za-z0-9_]{36,255})`,
			Replacement: `[MASKED_GITHUB_TOKEN]`,
			Description: "GitHub tokens",
		},
		"slack_token": {
			Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
			Replacement: `[MASKED_SLACK_TOKEN]`,
			Description: "Slack tokens",
		},
		"base64_secret": {
			Pattern:     `\b([A-Za-z0-9+/]{20,}={0,2})\b`,
			Replacement: `[MASKED_BASE64_VALUE]`,
			Description: "Base64 values (20+ chars)",
		},
		"base64_short": {
			Pattern:     `:\s+([A-Za-z0-9+/]{4,19}={0,2})(?:\s|$)`,
			Replacement: `: [MASKED_SHORT_BASE64]`,
			Description: "Short base64 values",
		},
	}
}

// builtinCodeMaskers names the code-based (structural) maskers available
// to pattern groups, alongside the regex patterns above. Each name must
// match a Masker registered in NewService.
func builtinCodeMaskers() []string {
	return []string{"kubernetes_secret"}
}

// builtinPatternGroups are predefined bundles of pattern/masker names a
// tool's masking config can reference by group instead of listing every
// pattern individually.
func builtinPatternGroups() map[string][]string {
	return map[string][]string{
		"basic":      {"api_key", "password"},
		"secrets":    {"api_key", "password", "token", "private_key", "secret_key"},
		"security":   {"api_key", "password", "token", "certificate", "certificate_authority_data", "email", "ssh_key"},
		"kubernetes": {"kubernetes_secret", "api_key", "password", "certificate_authority_data"},
		"cloud":      {"aws_access_key", "aws_secret_key", "api_key", "token"},
		"all": {
			"base64_secret", "base64_short", "api_key", "password", "certificate",
			"certificate_authority_data", "email", "token", "ssh_key", "private_key",
			"secret_key", "aws_access_key", "aws_secret_key", "github_token", "slack_token",
		},
	}
}
