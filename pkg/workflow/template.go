// Copyright 2026 Flowmatic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute expands ${path} references in a template tree against the
// execution context. A string that is exactly one ${...} token resolves to
// the raw value, preserving its type; any other string gets values coerced
// and spliced in. Maps and arrays are walked recursively.
func Substitute(template interface{}, context map[string]interface{}) interface{} {
	switch v := template.(type) {
	case string:
		return substituteString(v, context)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = Substitute(value, context)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, value := range v {
			out[i] = Substitute(value, context)
		}
		return out
	default:
		return v
	}
}

// SubstituteMap expands an input-mapping object.
func SubstituteMap(mapping map[string]interface{}, context map[string]interface{}) map[string]interface{} {
	if mapping == nil {
		return map[string]interface{}{}
	}
	out, _ := Substitute(mapping, context).(map[string]interface{})
	return out
}

func substituteString(s string, context map[string]interface{}) interface{} {
	// Whole-token form keeps the resolved value's type.
	if m := templatePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		value, _ := ResolvePath(context, m[1])
		return value
	}

	return templatePattern.ReplaceAllStringFunc(s, func(token string) string {
		path := token[2 : len(token)-1]
		value, ok := ResolvePath(context, path)
		if !ok || value == nil {
			return ""
		}
		return stringify(value)
	})
}

// ResolvePath walks a dotted path through maps and arrays. Array segments
// are numeric indices. The second return reports whether the full path
// resolved.
func ResolvePath(root map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a context value for splicing. Numbers drop the
// float formatting artifacts JSON decoding introduces.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
