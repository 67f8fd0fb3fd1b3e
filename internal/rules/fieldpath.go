// internal/rules/fieldpath.go
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/metalfleet/inspectd/internal/types"
)

/*
 * Field path parsing and resolution.
 *
 * A condition field is a scheme-qualified path string: an optional
 * "node://" or "data://" prefix (default data) selecting the root document,
 * followed by a dotted path expression with bracket indices and wildcards:
 *
 *   inventory.cpu.count
 *   node://driver_info.ipmi_address
 *   inventory.interfaces[0].mac_address
 *   inventory.disks[*].size_gb
 *   $.inventory.memory.physical_mb      (leading $. tolerated)
 *
 * Resolve returns ALL matches in deterministic order: arrays in document
 * order, object wildcards in lexicographic key order. Multiplicity policy
 * (all/any/first) is applied by the caller; in particular "first" binds to
 * the first match in exactly this traversal order.
 *
 * MaxPathDepth and MaxNestedWildcards are enforced at resolution time.
 */

// ParseField splits a scheme-qualified field reference into the root
// selector and the structured path expression. A missing scheme defaults to
// data. Unknown schemes and unparsable paths fail with ErrInvalid.
func ParseField(field string) (types.Scheme, []types.PathSegment, error) {
	scheme := types.SchemeData
	expr := field
	if idx := strings.Index(field, "://"); idx >= 0 {
		scheme = types.Scheme(field[:idx])
		expr = field[idx+3:]
	}

	if scheme != types.SchemeNode && scheme != types.SchemeData {
		return "", nil, fmt.Errorf(
			"%w: unsupported scheme for field %q, valid values are node:// or data://",
			types.ErrInvalid, field)
	}

	path, err := ParsePath(expr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: unable to parse field path %q: %v",
			types.ErrInvalid, field, err)
	}
	return scheme, path, nil
}

// ParsePath parses a path expression into segments. Syntax errors are plain
// errors; ParseField wraps them into the domain ErrInvalid.
func ParsePath(expr string) ([]types.PathSegment, error) {
	expr = strings.TrimPrefix(expr, "$.")
	if expr == "" || expr == "$" {
		return nil, fmt.Errorf("empty path expression")
	}

	var path []types.PathSegment
	for _, part := range strings.Split(expr, ".") {
		segs, err := parsePart(part)
		if err != nil {
			return nil, err
		}
		path = append(path, segs...)
	}
	return path, nil
}

// parsePart parses one dot-separated component, which may carry chained
// bracket suffixes: "interfaces[0][1]", "disks[*]", "*".
func parsePart(part string) ([]types.PathSegment, error) {
	if part == "" {
		return nil, fmt.Errorf("empty path segment")
	}

	key := part
	var brackets string
	if idx := strings.IndexByte(part, '['); idx >= 0 {
		key, brackets = part[:idx], part[idx:]
	}

	var segs []types.PathSegment
	switch {
	case key == "*":
		segs = append(segs, types.PathSegment{Wildcard: true})
	case key != "":
		segs = append(segs, types.PathSegment{Key: key})
	case brackets == "":
		return nil, fmt.Errorf("empty path segment")
	}

	for brackets != "" {
		end := strings.IndexByte(brackets, ']')
		if !strings.HasPrefix(brackets, "[") || end < 0 {
			return nil, fmt.Errorf("unbalanced bracket in segment %q", part)
		}
		inner := brackets[1:end]
		brackets = brackets[end+1:]

		if inner == "*" {
			segs = append(segs, types.PathSegment{Wildcard: true})
			continue
		}
		n, err := strconv.Atoi(inner)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid array index %q in segment %q", inner, part)
		}
		segs = append(segs, types.PathSegment{Index: n, IsIndex: true})
	}
	return segs, nil
}

// Match is one value matched by a path expression, along with the concrete
// path taken (wildcards replaced by actual keys/indices).
type Match struct {
	Value        any
	ResolvedPath []types.PathSegment
}

// Resolve traverses doc (decoded JSON: maps, slices, scalars) following the
// path segments and returns every match in deterministic traversal order.
// Zero matches is a valid, non-error outcome.
// Returns ErrPathTooDeep if the path exceeds MaxPathDepth and
// ErrTooManyWildcards if it contains more than MaxNestedWildcards wildcards.
func Resolve(path []types.PathSegment, doc any) ([]Match, error) {
	if len(path) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}

	wildcards := 0
	for _, seg := range path {
		if seg.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxNestedWildcards {
		return nil, types.ErrTooManyWildcards
	}

	var matches []Match
	resolveRecursive(path, doc, nil, &matches)
	return matches, nil
}

// resolveRecursive collects every value reachable through the remaining
// segments. Missing keys, out-of-range indices and type mismatches simply
// contribute no matches.
func resolveRecursive(path []types.PathSegment, current any, resolvedSoFar []types.PathSegment, out *[]Match) {
	if len(path) == 0 {
		*out = append(*out, Match{
			Value:        current,
			ResolvedPath: append([]types.PathSegment(nil), resolvedSoFar...),
		})
		return
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		if seg.Wildcard {
			// Sorted keys keep traversal order stable across runs.
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				resolveRecursive(remaining, v[key],
					append(resolvedSoFar, types.PathSegment{Key: key}), out)
			}
			return
		}
		if seg.IsIndex {
			return
		}
		val, ok := v[seg.Key]
		if !ok {
			return
		}
		resolveRecursive(remaining, val, append(resolvedSoFar, seg), out)

	case []any:
		if seg.Wildcard {
			for i, elem := range v {
				resolveRecursive(remaining, elem,
					append(resolvedSoFar, types.PathSegment{Index: i, IsIndex: true}), out)
			}
			return
		}
		if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
			return
		}
		resolveRecursive(remaining, v[seg.Index], append(resolvedSoFar, seg), out)
	}
}
