package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformedOutput indicates the model response did not contain the JSON
// document the caller asked for, or the document failed schema validation.
// Callers typically retry with the error text appended to the prompt so the
// model can repair its output.
var ErrMalformedOutput = errors.New("model: malformed structured output")

// CompleteJSON issues the request and decodes the first JSON document found
// in the response into out. When schemaBytes is non-empty the document is
// validated against it before decoding. Models routinely wrap JSON in code
// fences or prose, so the helper scans for the outermost object or array
// rather than requiring a bare document.
func CompleteJSON(ctx context.Context, client Client, req Request, schemaBytes []byte, out any) error {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return err
	}
	doc, err := ExtractJSON(resp.Text)
	if err != nil {
		return err
	}
	if len(schemaBytes) > 0 {
		if err := validateAgainstSchema(doc, schemaBytes); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrMalformedOutput, err)
	}
	return nil
}

// ExtractJSON returns the first complete JSON object or array embedded in
// text, tolerating surrounding prose and Markdown code fences.
func ExtractJSON(text string) ([]byte, error) {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: no JSON document in response", ErrMalformedOutput)
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("%w: invalid JSON document", ErrMalformedOutput)
				}
				return []byte(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: truncated JSON document", ErrMalformedOutput)
}

func validateAgainstSchema(doc, schemaBytes []byte) error {
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return schema.Validate(value)
}
