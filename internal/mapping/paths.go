package mapping

import (
	"strconv"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// pathSegment is one step of a parsed dot-path.
type pathSegment struct {
	key      string
	index    int
	isIndex  bool
	wildcard bool
}

// parsePath splits a dot-path like "user.items[0].name" or "rows[*].id" into
// segments. A leading "$" or "$." root marker is stripped.
func parsePath(path string) ([]pathSegment, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$.")
	if p == "$" {
		return nil, nil
	}
	if p == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty field path")
	}

	var segs []pathSegment
	for _, part := range strings.Split(p, ".") {
		if part == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty segment in path %q", path)
		}

		// Split off bracket accessors: key[0], key[*], or bare [0].
		for {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				if part != "" {
					segs = append(segs, pathSegment{key: part})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSegment{key: part[:open]})
			}
			closeIdx := strings.IndexByte(part[open:], ']')
			if closeIdx == -1 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed bracket in path %q", path)
			}
			closeIdx += open
			inner := part[open+1 : closeIdx]
			if inner == "*" {
				segs = append(segs, pathSegment{wildcard: true})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid array index %q in path %q", inner, path)
				}
				segs = append(segs, pathSegment{index: idx, isIndex: true})
			}
			part = part[closeIdx+1:]
			if part == "" {
				break
			}
		}
	}
	return segs, nil
}

// extractPath resolves a dot-path against a value. The second return reports
// whether the path resolved; a nil value at an existing key counts as found.
// A [*] wildcard maps the remainder of the path over every element, skipping
// elements where the remainder is missing.
func extractPath(root any, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	return extractSegments(root, segs)
}

func extractSegments(current any, segs []pathSegment) (any, bool) {
	for i, seg := range segs {
		switch {
		case seg.wildcard:
			list, ok := current.([]any)
			if !ok {
				return nil, false
			}
			rest := segs[i+1:]
			if len(rest) == 0 {
				return list, true
			}
			out := make([]any, 0, len(list))
			for _, el := range list {
				if v, ok := extractSegments(el, rest); ok {
					out = append(out, v)
				}
			}
			return out, true

		case seg.isIndex:
			list, ok := current.([]any)
			if !ok || seg.index >= len(list) {
				return nil, false
			}
			current = list[seg.index]

		default:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := m[seg.key]
			if !ok {
				return nil, false
			}
			current = v
		}
	}
	return current, true
}

// setPath writes a value into target at a dot-path, creating intermediate
// maps as needed. Index segments must reference existing slice positions.
// Wildcards are rejected.
func setPath(target map[string]any, path string, value any) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot assign to root path %q", path)
	}
	for _, seg := range segs {
		if seg.wildcard {
			return schema.NewErrorf(schema.ErrCodeValidation, "wildcard not allowed in target path %q", path)
		}
	}

	var current any = target
	for i, seg := range segs {
		last := i == len(segs)-1

		switch {
		case seg.isIndex:
			list, ok := current.([]any)
			if !ok {
				return schema.NewErrorf(schema.ErrCodeMapping, "cannot index into non-array at %q", path)
			}
			if seg.index >= len(list) {
				return schema.NewErrorf(schema.ErrCodeMapping, "index %d out of range in target path %q", seg.index, path)
			}
			if last {
				list[seg.index] = value
				return nil
			}
			next := list[seg.index]
			if next == nil {
				next = make(map[string]any)
				list[seg.index] = next
			}
			current = next

		default:
			m, ok := current.(map[string]any)
			if !ok {
				return schema.NewErrorf(schema.ErrCodeMapping, "cannot traverse into non-object at %q in %q", seg.key, path)
			}
			if last {
				m[seg.key] = value
				return nil
			}
			next, exists := m[seg.key]
			if !exists || next == nil {
				child := make(map[string]any)
				m[seg.key] = child
				current = child
				continue
			}
			current = next
		}
	}
	return nil
}
