/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package whiteboard

import (
	"path"
	"sort"
	"strings"
)

// NormalizePath returns the canonical form of a context path: a leading slash, no trailing slash and no duplicate or
// relative segments. The root context is "/".
func NormalizePath(contextPath string) string {
	contextPath = strings.TrimSpace(contextPath)
	if contextPath == "" {
		return "/"
	}

	if !strings.HasPrefix(contextPath, "/") {
		contextPath = "/" + contextPath
	}

	return path.Clean(contextPath)
}

// PathSegments returns the number of non-empty segments of a normalized path, "/" has zero.
func PathSegments(normalized string) int {
	if normalized == "/" {
		return 0
	}
	return strings.Count(normalized, "/")
}

// HasPathPrefix is a segment aware prefix check: "/a" is a prefix of "/a" and "/a/b" but not of "/ab".
func HasPathPrefix(candidate, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if candidate == prefix {
		return true
	}
	return strings.HasPrefix(candidate, prefix+"/")
}

// CanonicalPattern returns the key used to detect overlapping servlet mappings. Aliases registered in the
// HttpService style ("/x") occupy the same namespace as the "/x/*" mapping.
func CanonicalPattern(pattern string, alias bool) string {
	pattern = strings.TrimSpace(pattern)
	if !alias {
		return pattern
	}

	if pattern == "" || pattern == "/" {
		return "/*"
	}

	if strings.HasSuffix(pattern, "/*") {
		return pattern
	}

	return strings.TrimSuffix(pattern, "/") + "/*"
}

// PatternSpecificity ranks a servlet-style URL pattern: exact paths first, then path prefixes by length, then
// extension mappings, then the default mappings.
func PatternSpecificity(pattern string) int {
	switch {
	case pattern == "/" || pattern == "/*" || pattern == "":
		return 0
	case strings.HasPrefix(pattern, "*."):
		return 100
	case strings.HasSuffix(pattern, "/*"):
		return 500 + len(pattern)
	default:
		return 1000 + len(pattern)
	}
}

// KeyList normalizes a comma separated property value (virtual hosts, connectors) into a sorted, deduplicated list.
func KeyList(value string) []string {
	seen := map[string]struct{}{}
	var result []string

	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		result = append(result, part)
	}

	sort.Strings(result)
	return result
}
