package ipc

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// detectPositionalArgs returns the schema's required field names in declared
// order. Wrapper scripts map bare arguments onto these fields positionally.
func detectPositionalArgs(schema map[string]any) []string {
	return stringSlice(schema["required"])
}

// detectStdinArg returns "input" when the schema declares an optional "input"
// property. This allows stdin piping: `cat file | command "prompt"` feeds
// stdin into --input.
func detectStdinArg(schema map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return ""
	}
	if _, ok := props["input"]; !ok {
		return ""
	}
	for _, req := range stringSlice(schema["required"]) {
		if req == "input" {
			return ""
		}
	}
	return "input"
}

// hasHelpFlag reports whether args contain -h/--help before "--".
func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return false
		}
		if arg == "--help" || arg == "-h" {
			return true
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			if strings.ContainsRune(arg[1:], 'h') {
				return true
			}
		}
	}
	return false
}

// argsToParams converts process-style arguments into the parameter map the
// tool's schema describes. Supports positional arguments (the required fields
// in order), long options with --flag value / --flag=value / --no-flag forms,
// short option clusters, "--" to end option parsing, and tagged-union
// subcommand schemas.
func argsToParams(schema map[string]any, args []string) (map[string]any, error) {
	if variants, ok := schema["oneOf"].([]any); ok {
		if tag := findSchemaTag(schema, variants); tag != "" {
			return parseTaggedUnion(variants, tag, args)
		}
	}
	return parseObject(schema, args)
}

// findSchemaTag locates the discriminator field for a oneOf union.
func findSchemaTag(schema map[string]any, variants []any) string {
	if disc, ok := schema["discriminator"].(map[string]any); ok {
		if prop, ok := disc["propertyName"].(string); ok {
			return prop
		}
	}
	if len(variants) == 0 {
		return ""
	}
	first, ok := variants[0].(map[string]any)
	if !ok {
		return ""
	}
	props, ok := first["properties"].(map[string]any)
	if !ok {
		return ""
	}
	for _, name := range sortedKeys(props) {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if _, hasConst := prop["const"]; hasConst {
			return name
		}
		if _, hasEnum := prop["enum"]; hasEnum {
			return name
		}
	}
	return ""
}

func parseTaggedUnion(variants []any, tag string, args []string) (map[string]any, error) {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("expected subcommand: %s", strings.Join(variantNames(variants, tag), ", "))
	}

	subcommand := args[0]
	for _, v := range variants {
		variant, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name := variantName(variant, tag)
		if name == "" || !strings.EqualFold(name, subcommand) {
			continue
		}
		result, err := parseObject(variant, args[1:])
		if err != nil {
			return nil, err
		}
		result[tag] = name
		return result, nil
	}

	return nil, fmt.Errorf("unknown subcommand %q, expected one of: %s",
		subcommand, strings.Join(variantNames(variants, tag), ", "))
}

func variantNames(variants []any, tag string) []string {
	var names []string
	for _, v := range variants {
		if variant, ok := v.(map[string]any); ok {
			if name := variantName(variant, tag); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func variantName(variant map[string]any, tag string) string {
	if props, ok := variant["properties"].(map[string]any); ok {
		if prop, ok := props[tag].(map[string]any); ok {
			if c, ok := prop["const"].(string); ok {
				return c
			}
			if enum, ok := prop["enum"].([]any); ok && len(enum) == 1 {
				if s, ok := enum[0].(string); ok {
					return s
				}
			}
		}
	}
	if title, ok := variant["title"].(string); ok {
		return title
	}
	return ""
}

func parseObject(schema map[string]any, args []string) (map[string]any, error) {
	result := make(map[string]any)
	positionalIdx := 0

	properties, _ := schema["properties"].(map[string]any)
	required := stringSlice(schema["required"])

	// Positional fields are the required fields in declared order.
	positionalFields := required
	shortToField := buildShortOptions(properties)
	longNames := make([]string, 0, len(properties))
	for _, k := range sortedKeys(properties) {
		longNames = append(longNames, strings.ReplaceAll(k, "_", "-"))
	}

	takePositional := func(arg string) error {
		if positionalIdx >= len(positionalFields) {
			return fmt.Errorf("unexpected positional argument: %s", arg)
		}
		fieldName := positionalFields[positionalIdx]
		if prop, ok := properties[fieldName].(map[string]any); ok {
			result[fieldName] = parseValue(arg, instanceType(prop))
		}
		positionalIdx++
		return nil
	}

	endOfOptions := false
	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch {
		case !endOfOptions && arg == "--":
			endOfOptions = true

		case !endOfOptions && strings.HasPrefix(arg, "--"):
			flag := arg[2:]
			name := flag
			var value *string
			if eq := strings.IndexByte(flag, '='); eq >= 0 {
				name = flag[:eq]
				v := flag[eq+1:]
				value = &v
			}
			name = strings.ReplaceAll(name, "_", "-")

			negated := false
			if stripped, ok := strings.CutPrefix(name, "no-"); ok {
				name = stripped
				negated = true
			}

			fieldName := strings.ReplaceAll(name, "-", "_")
			prop, ok := properties[fieldName].(map[string]any)
			if !ok {
				if similar := findSimilarOption(name, longNames); similar != "" {
					return nil, fmt.Errorf("unknown option: --%s. Did you mean --%s?", name, similar)
				}
				return nil, fmt.Errorf("unknown option: --%s", name)
			}
			propType := instanceType(prop)

			if negated && propType != "boolean" {
				return nil, fmt.Errorf("--no-%s is only valid for boolean options", name)
			}

			var parsed any
			if propType == "boolean" {
				if negated && value != nil {
					return nil, fmt.Errorf("unexpected value for --no-%s", name)
				}
				if value != nil {
					parsed = parseValue(*value, propType)
				} else {
					parsed = !negated
				}
			} else {
				if value == nil {
					i++
					if i >= len(args) {
						return nil, fmt.Errorf("missing value for --%s", name)
					}
					value = &args[i]
				}
				parsed = parseValue(*value, propType)
			}

			insertValue(result, fieldName, parsed, prop)

		case !endOfOptions && strings.HasPrefix(arg, "-") && len(arg) > 1:
			if err := parseShortOptions(arg, args, &i, properties, shortToField, result); err != nil {
				return nil, err
			}

		default:
			if err := takePositional(arg); err != nil {
				return nil, err
			}
		}
	}

	for _, req := range required {
		if _, ok := result[req]; !ok {
			return nil, fmt.Errorf("missing required argument: %s", req)
		}
	}

	return result, nil
}

func parseShortOptions(arg string, args []string, i *int, properties map[string]any, shortToField map[byte]string, result map[string]any) error {
	cluster := arg[1:]
	var valueFromEq *string
	if eq := strings.IndexByte(cluster, '='); eq >= 0 {
		v := cluster[eq+1:]
		valueFromEq = &v
		cluster = cluster[:eq]
	}

	for pos := 0; pos < len(cluster); pos++ {
		ch := cluster[pos]
		fieldName, ok := shortToField[ch]
		if !ok {
			return fmt.Errorf("unknown option: -%c", ch)
		}
		prop, ok := properties[fieldName].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown option: -%c", ch)
		}
		propType := instanceType(prop)
		last := pos == len(cluster)-1

		if propType == "boolean" {
			if last && valueFromEq != nil {
				insertValue(result, fieldName, parseValue(*valueFromEq, propType), prop)
			} else {
				if valueFromEq != nil {
					return fmt.Errorf("unexpected value for -%c", ch)
				}
				insertValue(result, fieldName, true, prop)
			}
			continue
		}

		var value string
		switch {
		case valueFromEq != nil:
			if !last {
				return fmt.Errorf("unexpected value for -%c", ch)
			}
			value = *valueFromEq
		case !last:
			// Rest of the cluster is the value: -ofile.txt
			value = cluster[pos+1:]
		default:
			*i++
			if *i >= len(args) {
				return fmt.Errorf("missing value for -%c", ch)
			}
			value = args[*i]
		}

		insertValue(result, fieldName, parseValue(value, propType), prop)
		return nil
	}

	return nil
}

// buildShortOptions assigns a short option letter to each field: the first
// unclaimed alphabetic character of its long name. 'h' is reserved for help.
func buildShortOptions(properties map[string]any) map[byte]string {
	taken := map[byte]bool{'h': true}
	shortToField := make(map[byte]string)

	for _, field := range sortedKeys(properties) {
		long := strings.ReplaceAll(field, "_", "-")
		for j := 0; j < len(long); j++ {
			ch := long[j]
			if ch >= 'A' && ch <= 'Z' {
				ch += 'a' - 'A'
			}
			if ch < 'a' || ch > 'z' || taken[ch] {
				continue
			}
			taken[ch] = true
			shortToField[ch] = field
			break
		}
	}
	return shortToField
}

// shortOptionFor returns the short letter assigned to a field, or 0.
func shortOptionFor(properties map[string]any, field string) byte {
	for ch, f := range buildShortOptions(properties) {
		if f == field {
			return ch
		}
	}
	return 0
}

// findSimilarOption suggests the closest long option within edit distance 2.
func findSimilarOption(input string, options []string) string {
	input = strings.ReplaceAll(strings.ToLower(input), "_", "-")
	best := ""
	bestDist := 3
	for _, opt := range options {
		if d := levenshtein(input, strings.ToLower(opt)); d < bestDist {
			bestDist = d
			best = opt
		}
	}
	return best
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func insertValue(result map[string]any, fieldName string, value any, prop map[string]any) {
	if instanceType(prop) != "array" {
		result[fieldName] = value
		return
	}
	existing, _ := result[fieldName].([]any)
	if items, ok := value.([]any); ok {
		existing = append(existing, items...)
	} else {
		existing = append(existing, value)
	}
	result[fieldName] = existing
}

// instanceType extracts the JSON type of a property schema, looking through
// nullable unions ("type": ["integer", "null"]) and anyOf/oneOf wrappers.
func instanceType(prop map[string]any) string {
	switch t := prop["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
		return ""
	}

	variants, ok := prop["anyOf"].([]any)
	if !ok {
		variants, ok = prop["oneOf"].([]any)
	}
	if ok {
		for _, v := range variants {
			if variant, ok := v.(map[string]any); ok {
				if s, ok := variant["type"].(string); ok && s != "null" {
					return s
				}
			}
		}
	}
	return ""
}

// parseValue coerces a string argument to the schema's declared type,
// falling back to the raw string when coercion fails.
func parseValue(s, expectedType string) any {
	switch expectedType {
	case "integer", "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	case "array":
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return arr
		}
		return []any{s}
	case "object":
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj
		}
	}
	return s
}

// schemaToHelp renders CLI help text from a tool's JSON schema.
func schemaToHelp(schema map[string]any) string {
	var b strings.Builder

	if title, ok := schema["title"].(string); ok {
		b.WriteString(title)
		b.WriteByte('\n')
	}
	if desc, ok := schema["description"].(string); ok {
		b.WriteString(desc)
		b.WriteByte('\n')
	}

	b.WriteString("\nUsage:\n")

	if variants, ok := schema["oneOf"].([]any); ok {
		if tag := findSchemaTag(schema, variants); tag != "" {
			b.WriteString("  <subcommand> [options]\n\nSubcommands:\n")
			for _, v := range variants {
				variant, ok := v.(map[string]any)
				if !ok {
					continue
				}
				name := variantName(variant, tag)
				if name == "" {
					continue
				}
				b.WriteString("  " + name)
				if desc, ok := variant["description"].(string); ok {
					b.WriteString(" - " + desc)
				}
				b.WriteByte('\n')
			}
			b.WriteString("\nOptions:\n  -h, --help  Show help\n")
			return b.String()
		}
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return b.String()
	}
	required := stringSlice(schema["required"])
	isRequired := func(name string) bool {
		for _, r := range required {
			if r == name {
				return true
			}
		}
		return false
	}

	if len(required) > 0 {
		placeholders := make([]string, len(required))
		for i, name := range required {
			placeholders[i] = "<" + strings.ReplaceAll(name, "_", "-") + ">"
		}
		fmt.Fprintf(&b, "  %s [options]\n", strings.Join(placeholders, " "))
	} else {
		b.WriteString("  [options]\n")
	}

	b.WriteString("\nOptions:\n  -h, --help  Show help\n")
	b.WriteString("\nArguments:\n")

	for _, name := range sortedKeys(props) {
		flag := strings.ReplaceAll(name, "_", "-")
		if short := shortOptionFor(props, name); short != 0 {
			fmt.Fprintf(&b, "  -%c, --%s", short, flag)
		} else {
			fmt.Fprintf(&b, "  --%s", flag)
		}
		if isRequired(name) {
			b.WriteString(" (required)")
		}
		if prop, ok := props[name].(map[string]any); ok {
			if desc, ok := prop["description"].(string); ok {
				b.WriteString("\n      " + desc)
			}
		}
		b.WriteByte('\n')
	}

	return b.String()
}

// stringSlice normalizes a schema list that may arrive as []string (built in
// code) or []any (decoded from JSON).
func stringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
