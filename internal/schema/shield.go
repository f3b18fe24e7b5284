package schema

// Placeholder replaces secret values whenever a config leaves the runtime.
// A round-tripped config carrying this exact literal keeps its stored secret.
const Placeholder = "value_has_been_hidden_for_security_reasons"

// ProtectedPaths returns the key paths of every password-format leaf in the
// schema. Only dict nesting is considered; array items are never secret.
func ProtectedPaths(s *Schema) [][]string {
	var out [][]string
	var walk func(node *Schema, path []string)
	walk = func(node *Schema, path []string) {
		if node == nil {
			return
		}
		if node.Format == FormatPassword {
			out = append(out, append([]string(nil), path...))
			return
		}
		for key, child := range node.Keys {
			walk(child, append(path, key))
		}
	}
	walk(s, nil)
	return out
}

// MaskSecrets returns a deep copy of config with every protected leaf
// replaced by the placeholder literal. Absent leaves stay absent.
func MaskSecrets(config map[string]any, s *Schema) map[string]any {
	out := deepCopy(config)
	for _, path := range ProtectedPaths(s) {
		setIfPresent(out, path, Placeholder)
	}
	return out
}

// RestoreSecrets returns a deep copy of incoming where every protected leaf
// still carrying the placeholder is restored from the authoritative config.
// Any other incoming value, including an empty string, is kept as the new
// secret.
func RestoreSecrets(incoming, authoritative map[string]any, s *Schema) map[string]any {
	out := deepCopy(incoming)
	for _, path := range ProtectedPaths(s) {
		v, ok := lookup(out, path)
		if !ok || v != Placeholder {
			continue
		}
		if orig, ok := lookup(authoritative, path); ok {
			setIfPresent(out, path, orig)
		}
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopy(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]any); ok {
					cp[i] = deepCopy(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func lookup(m map[string]any, path []string) (any, bool) {
	cur := m
	for i, key := range path {
		v, ok := cur[key]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		cur, ok = v.(map[string]any)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

func setIfPresent(m map[string]any, path []string, value any) {
	cur := m
	for i, key := range path {
		v, ok := cur[key]
		if !ok {
			return
		}
		if i == len(path)-1 {
			cur[key] = value
			return
		}
		cur, ok = v.(map[string]any)
		if !ok {
			return
		}
	}
}
