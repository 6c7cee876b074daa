// Package extract turns raw fetched content into structured field maps by
// applying a plugin's field rules. Extraction is a pure function of its
// inputs: identical content and rules always produce identical output.
package extract

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/crawlkit/crawld/internal/core"
)

// Warning flags a non-fatal extraction issue: a selector or path that matched
// nothing, or a value that failed type coercion. The field is recorded as nil.
type Warning struct {
	Field  string
	Reason string
}

// Result is a record set plus any per-field warnings. An empty Records slice
// means no rule matched anything; the caller decides whether that fails the
// job.
type Result struct {
	Records  []map[string]any
	Warnings []Warning
}

// Extract applies rules to body according to the source type.
func Extract(source core.SourceType, body []byte, rules []core.FieldRule) (Result, error) {
	switch source {
	case core.SourceHTML:
		return extractHTML(body, rules)
	case core.SourceJSON:
		return extractJSON(body, rules)
	default:
		return Result{}, core.NewError(core.KindExtraction, fmt.Sprintf("unsupported source type %q", source), nil)
	}
}

// extractHTML resolves each rule's CSS selector against the parsed document.
// A selector matching N elements contributes N values; the record count is
// the maximum across rules, with single-match fields repeated on every record.
func extractHTML(body []byte, rules []core.FieldRule) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, core.NewError(core.KindExtraction, "parse html", err)
	}

	var res Result
	columns := make([][]any, len(rules))
	count := 0
	for i, rule := range rules {
		var values []any
		doc.Find(rule.Selector).Each(func(_ int, sel *goquery.Selection) {
			value, warn := coerce(strings.TrimSpace(sel.Text()), rule)
			if warn != nil {
				res.Warnings = append(res.Warnings, *warn)
			}
			values = append(values, value)
		})
		if len(values) == 0 {
			res.Warnings = append(res.Warnings, Warning{
				Field:  rule.Name,
				Reason: fmt.Sprintf("selector %q matched no elements", rule.Selector),
			})
		}
		columns[i] = values
		if len(values) > count {
			count = len(values)
		}
	}
	res.Records = assemble(rules, columns, count)
	return res, nil
}

// extractJSON resolves each rule's dot/bracket path against the payload. A
// path yielding an array contributes one value per element; scalars are
// repeated on every record.
func extractJSON(body []byte, rules []core.FieldRule) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, core.NewError(core.KindExtraction, "invalid json payload", nil)
	}

	var res Result
	columns := make([][]any, len(rules))
	count := 0
	for i, rule := range rules {
		result := gjson.GetBytes(body, normalizePath(rule.Selector))
		var values []any
		switch {
		case !result.Exists():
			res.Warnings = append(res.Warnings, Warning{
				Field:  rule.Name,
				Reason: fmt.Sprintf("path %q did not resolve", rule.Selector),
			})
		case result.IsArray():
			for _, elem := range result.Array() {
				value, warn := coerceJSON(elem, rule)
				if warn != nil {
					res.Warnings = append(res.Warnings, *warn)
				}
				values = append(values, value)
			}
		default:
			value, warn := coerceJSON(result, rule)
			if warn != nil {
				res.Warnings = append(res.Warnings, *warn)
			}
			values = append(values, value)
		}
		columns[i] = values
		if len(values) > count {
			count = len(values)
		}
	}
	res.Records = assemble(rules, columns, count)
	return res, nil
}

// assemble pivots per-rule value columns into records. Missing positions are
// nil; a column with exactly one value is broadcast across all records.
func assemble(rules []core.FieldRule, columns [][]any, count int) []map[string]any {
	if count == 0 {
		return nil
	}
	records := make([]map[string]any, count)
	for i := range records {
		fields := make(map[string]any, len(rules))
		for j, rule := range rules {
			switch {
			case len(columns[j]) == 1:
				fields[rule.Name] = columns[j][0]
			case i < len(columns[j]):
				fields[rule.Name] = columns[j][i]
			default:
				fields[rule.Name] = nil
			}
		}
		records[i] = fields
	}
	return records
}

// normalizePath converts bracket indexing ("items[0].title") into the dot
// form gjson expects ("items.0.title").
func normalizePath(path string) string {
	replaced := strings.NewReplacer("[", ".", "]", "").Replace(path)
	return strings.Trim(strings.ReplaceAll(replaced, "..", "."), ".")
}

func coerce(text string, rule core.FieldRule) (any, *Warning) {
	switch rule.ValueType {
	case core.ValueNumber:
		n, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64)
		if err != nil {
			return nil, &Warning{Field: rule.Name, Reason: fmt.Sprintf("value %q is not a number", text)}
		}
		return n, nil
	case core.ValueBool:
		b, err := strconv.ParseBool(strings.ToLower(text))
		if err != nil {
			return nil, &Warning{Field: rule.Name, Reason: fmt.Sprintf("value %q is not a bool", text)}
		}
		return b, nil
	default:
		return text, nil
	}
}

func coerceJSON(result gjson.Result, rule core.FieldRule) (any, *Warning) {
	if result.Type == gjson.Null {
		return nil, nil
	}
	switch rule.ValueType {
	case core.ValueNumber:
		if result.Type == gjson.Number {
			return result.Float(), nil
		}
		return coerce(result.String(), rule)
	case core.ValueBool:
		if result.Type == gjson.True || result.Type == gjson.False {
			return result.Bool(), nil
		}
		return coerce(result.String(), rule)
	default:
		return result.String(), nil
	}
}
