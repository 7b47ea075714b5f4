// Package filter compiles the textual filter expression language into SQL
// predicate fragments.
//
// There are two layers: equality filters, one per schema field present in
// the request, and the free-form filter string passed as "_filter". The
// free-form grammar is a flat token sequence, scanned left to right: a
// token following a comparator is a value, the token two positions before
// a value must be a schema field, and every other token must be numeric,
// quoted, an operator, a parenthesis, or a schema field.
//
// Values never reach the SQL text: strings bind as parameters and numeric
// tokens are re-validated before they are emitted. Field names and
// operators are whitelisted, so the compiled fragment is safe to embed in
// a WHERE clause.
package filter

import (
	"strconv"
	"strings"

	"github.com/relabs-tech/tinyapi/core/resource"
)

// error codes of the filter compiler
const (
	CodeBadFormat    = "BAD_FORMAT"
	CodeUnknownField = "UNK_FIELD"
	CodeBadRequest   = "BAD_REQUEST"
)

// Error is a filter compilation error with a reason code and, for unknown
// fields, the token that could not be resolved.
type Error struct {
	Code  string
	Token string
}

func (e *Error) Error() string {
	if e.Token != "" {
		return e.Code + ": " + e.Token
	}
	return e.Code
}

// Fragment is a compiled SQL predicate. SQL contains $n placeholders
// numbered from the offset passed to Compile; Args carries the bind values
// in placeholder order. An empty SQL means the request had no filters.
type Fragment struct {
	SQL  string
	Args []any
}

// the quote marker produced by request sanitization
const quoteMarker = "&quot;"

// operator aliases accepted in filter strings, normalized to SQL
var operatorAliases = map[string]string{
	"&lt;=":       "<=",
	"&gt;=":       ">=",
	"&lt;":        "<",
	"&gt;":        ">",
	"||":          "OR",
	"&amp;&amp;":  "AND",
	"!=":          "<>",
	"!":           "NOT",
	"before":      "<",
	"after":       ">",
}

func isOperator(word string) bool {
	switch word {
	case "=", ">", "<", ">=", "<=", "<>", "OR", "AND", "NOT", "(", ")":
		return true
	}
	return false
}

func isComparator(word string) bool {
	switch word {
	case "=", ">", "<", ">=", "<=", "<>":
		return true
	}
	return false
}

func isNumeric(word string) bool {
	_, err := strconv.ParseFloat(word, 64)
	return err == nil
}

// Compile builds the WHERE predicate for a request: an AND-joined equality
// filter for every schema field present in values, followed by the compiled
// free-form "_filter" expression in parentheses. Placeholders are numbered
// starting at argOffset+1 so the fragment can follow other bind parameters
// in the final statement.
func Compile(s *resource.Schema, values map[string]any, argOffset int) (*Fragment, *Error) {
	var conditions []string
	var args []any

	for i := range s.Fields {
		field := &s.Fields[i]
		value, ok := values[field.Name]
		if !ok {
			continue
		}
		args = append(args, field.BindValue(value))
		conditions = append(conditions, field.Name+" = $"+strconv.Itoa(argOffset+len(args)))
	}

	if raw, ok := values["_filter"].(string); ok {
		parsed, parsedArgs, err := parseFilterString(s, raw, argOffset+len(args))
		if err != nil {
			return nil, err
		}
		args = append(args, parsedArgs...)
		conditions = append(conditions, "("+parsed+")")
	}

	return &Fragment{SQL: strings.Join(conditions, " AND "), Args: args}, nil
}

// parseFilterString compiles one free-form filter expression. Placeholders
// are numbered starting at argOffset+1.
func parseFilterString(s *resource.Schema, raw string, argOffset int) (string, []any, *Error) {
	words, err := mergeQuoted(strings.Split(raw, " "))
	if err != nil {
		return "", nil, err
	}

	// double spaces produce empty words, drop them
	tokens := words[:0]
	for _, word := range words {
		if word != "" {
			tokens = append(tokens, word)
		}
	}

	var args []any
	lastWasComparator := false

	for i, word := range tokens {
		if alias, ok := operatorAliases[word]; ok {
			word = alias
		}
		word = strings.ReplaceAll(word, quoteMarker, `"`)
		tokens[i] = word

		if lastWasComparator {
			lastWasComparator = false
			if i < 2 {
				return "", nil, &Error{Code: CodeBadRequest}
			}
			field := s.Field(tokens[i-2])
			if field == nil {
				return "", nil, &Error{Code: CodeUnknownField, Token: tokens[i-2]}
			}
			converted, arg, bound := convertValueToken(field, word)
			if bound {
				args = append(args, arg)
				converted = "$" + strconv.Itoa(argOffset+len(args))
			}
			tokens[i] = converted
			word = converted
		} else if strings.Contains(word, `"`) {
			// a quoted literal outside a value position, bind it anyway
			args = append(args, strings.Trim(word, `"`))
			tokens[i] = "$" + strconv.Itoa(argOffset+len(args))
			word = tokens[i]
		} else if !isNumeric(word) && !isOperator(word) && !s.HasField(word) {
			return "", nil, &Error{Code: CodeUnknownField, Token: word}
		}

		if isComparator(word) {
			lastWasComparator = true
		}
	}

	return strings.Join(tokens, " "), args, nil
}

// mergeQuoted re-merges quoted multi-word literals that the whitespace
// split tore apart: a token containing a single quote marker is paired
// with the next token that also contains exactly one marker, and the range
// becomes one token. Unmatched quoting is a format error.
func mergeQuoted(words []string) ([]string, *Error) {
	for {
		start := -1
		for i, word := range words {
			if strings.Count(word, quoteMarker) == 1 {
				start = i
				break
			}
		}
		if start < 0 {
			return words, nil
		}

		end := -1
		for i := start + 1; i < len(words); i++ {
			if strings.Count(words[i], quoteMarker) == 1 {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, &Error{Code: CodeBadFormat}
		}

		merged := append([]string{}, words[:start]...)
		merged = append(merged, strings.Join(words[start:end+1], " "))
		merged = append(merged, words[end+1:]...)
		words = merged
	}
}

// convertValueToken converts a token in value position. Numeric and boolean
// values are validated and emitted inline, strings become bind parameters.
func convertValueToken(field *resource.Field, word string) (string, any, bool) {
	switch field.Type {
	case resource.TypeBoolean:
		trimmed := strings.Trim(word, `"`)
		if trimmed == "true" || trimmed == "1" {
			return "TRUE", nil, false
		}
		return "FALSE", nil, false
	case resource.TypeInteger:
		n, _ := strconv.ParseInt(strings.Trim(word, `"`), 10, 64)
		return strconv.FormatInt(n, 10), nil, false
	case resource.TypeDouble:
		d, _ := strconv.ParseFloat(strings.Trim(word, `"`), 64)
		return strconv.FormatFloat(d, 'f', -1, 64), nil, false
	default:
		return "", field.BindFilterValue(word), true
	}
}
