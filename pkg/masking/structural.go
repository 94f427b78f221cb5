package masking

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedSecretValue replaces masked kubernetes Secret data values.
const MaskedSecretValue = "[MASKED_SECRET_DATA]"

// Masker is a code-based masker with structural awareness beyond regex:
// it parses tool-result content and masks by document shape rather than
// by pattern (a Secret's data values, but not a ConfigMap's).
type Masker interface {
	// Name is the identifier masking configs reference the masker by.
	Name() string
	// AppliesTo is a fast pre-check (string containment, no parsing).
	AppliesTo(content string) bool
	// Mask returns the masked content. On any parse error the original
	// content comes back untouched.
	Mask(content string) string
}

var secretKindHint = regexp.MustCompile(`(?m)(^\s*kind:\s*Secret(List)?\s*$)|("kind"\s*:\s*"Secret(List)?")`)

// secretManifestMasker masks the data/stringData values of kubernetes
// Secret manifests that tools echo into their results: kubectl output
// from a shell tool, manifest files read out of a workspace, JSON piped
// through jq. The result is parsed as JSON or multi-document YAML and
// every Secret found anywhere in the tree — top level, List items,
// last-applied-configuration annotations — is masked in place.
type secretManifestMasker struct{}

func (secretManifestMasker) Name() string { return "kubernetes_secret" }

func (secretManifestMasker) AppliesTo(content string) bool {
	return strings.Contains(content, "Secret") && secretKindHint.MatchString(content)
}

func (m secretManifestMasker) Mask(content string) string {
	trimmed := strings.TrimSpace(content)
	// JSON first when the content looks like it, so the YAML parser
	// (which accepts JSON) never re-serializes kubectl JSON as YAML.
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked, ok := m.maskJSON(content); ok {
			return masked
		}
	}
	if masked, ok := m.maskYAML(content); ok {
		return masked
	}
	return content
}

func (m secretManifestMasker) maskJSON(content string) (string, bool) {
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return "", false
	}
	if !maskSecretsInTree(doc) {
		return "", false
	}
	// Indentation matches typical kubectl -o json output.
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", false
	}
	return matchTrailingNewline(string(out), content), true
}

func (m secretManifestMasker) maskYAML(content string) (string, bool) {
	decoder := yaml.NewDecoder(strings.NewReader(content))
	var documents []any
	masked := false

	for {
		var doc any
		err := decoder.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false
		}
		if doc == nil {
			continue
		}
		if maskSecretsInTree(doc) {
			masked = true
		}
		documents = append(documents, doc)
	}

	if !masked || len(documents) == 0 {
		return "", false
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range documents {
		if err := encoder.Encode(doc); err != nil {
			return "", false
		}
	}
	if err := encoder.Close(); err != nil {
		return "", false
	}
	return matchTrailingNewline(strings.TrimRight(buf.String(), "\n"), content), true
}

// maskSecretsInTree walks a decoded document, masking every Secret it
// finds at any depth. One recursive walk covers the shapes kubectl
// produces: a bare Secret, a SecretList or List with Secret items, and
// Secrets embedded in annotation JSON. Reports whether anything changed.
func maskSecretsInTree(node any) bool {
	switch v := node.(type) {
	case map[string]any:
		changed := false
		kind, _ := v["kind"].(string)
		switch kind {
		case "Secret":
			maskSecretData(v)
			changed = true
		case "SecretList":
			// Items of a SecretList may omit their own kind tag.
			if items, ok := v["items"].([]any); ok {
				for _, item := range items {
					if im, ok := item.(map[string]any); ok {
						maskSecretData(im)
						changed = true
					}
				}
			}
		}
		if maskAnnotationSecrets(v) {
			changed = true
		}
		for _, child := range v {
			if maskSecretsInTree(child) {
				changed = true
			}
		}
		return changed
	case []any:
		changed := false
		for _, item := range v {
			if maskSecretsInTree(item) {
				changed = true
			}
		}
		return changed
	}
	return false
}

// maskSecretData replaces every value under a Secret's data and
// stringData maps.
func maskSecretData(resource map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		if dataMap, ok := resource[field].(map[string]any); ok {
			for key := range dataMap {
				dataMap[key] = MaskedSecretValue
			}
		}
	}
}

// maskAnnotationSecrets handles Secrets smuggled through annotation
// values as embedded JSON, most commonly
// kubectl.kubernetes.io/last-applied-configuration.
func maskAnnotationSecrets(resource map[string]any) bool {
	metadata, ok := resource["metadata"].(map[string]any)
	if !ok {
		return false
	}
	annotations, ok := metadata["annotations"].(map[string]any)
	if !ok {
		return false
	}

	changed := false
	for key, val := range annotations {
		strVal, ok := val.(string)
		if !ok || !strings.Contains(strVal, "Secret") {
			continue
		}
		var embedded any
		if err := json.Unmarshal([]byte(strVal), &embedded); err != nil {
			continue
		}
		if !maskSecretsInTree(embedded) {
			continue
		}
		masked, err := json.Marshal(embedded)
		if err != nil {
			continue
		}
		annotations[key] = string(masked)
		changed = true
	}
	return changed
}

// matchTrailingNewline carries the original content's trailing-newline
// state over to the re-serialized form.
func matchTrailingNewline(out, original string) string {
	if strings.HasSuffix(original, "\n") && !strings.HasSuffix(out, "\n") {
		return out + "\n"
	}
	if !strings.HasSuffix(original, "\n") {
		return strings.TrimRight(out, "\n")
	}
	return out
}
