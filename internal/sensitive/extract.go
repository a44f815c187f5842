package sensitive

import "encoding/json"

// ExtractUserText walks a decoded request body and pulls out every
// user-authored text fragment worth scanning: Anthropic /v1/messages
// bodies (top-level "system" plus "messages[].content" for role="user",
// where content may be a string or a list of content blocks) and OpenAI
// Responses-API bodies ("input" as a string or a list of items).
// Unrecognized shapes degrade gracefully to an empty slice rather than
// erroring — scanning is best-effort (spec.md §4.7).
func ExtractUserText(body map[string]interface{}) []string {
	var out []string

	if sys, ok := body["system"]; ok {
		out = append(out, flattenSystemField(sys)...)
	}

	if msgs, ok := body["messages"].([]interface{}); ok {
		for _, raw := range msgs {
			msg, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			if role != "user" {
				continue
			}
			out = append(out, flattenContentField(msg["content"])...)
		}
	}

	if input, ok := body["input"]; ok {
		out = append(out, flattenResponsesInput(input)...)
	}

	return out
}

func flattenSystemField(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, item := range t {
			if block, ok := item.(map[string]interface{}); ok {
				if text, ok := block["text"].(string); ok {
					out = append(out, text)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func flattenContentField(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, item := range t {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}

func flattenResponsesInput(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, item := range t {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := itemMap["role"].(string)
			if role != "" && role != "user" {
				continue
			}
			out = append(out, flattenContentField(itemMap["content"])...)
		}
		return out
	default:
		return nil
	}
}

// ParseJSONBody is a small helper for handler code to decode a raw request
// body into the generic map shape ExtractUserText expects.
func ParseJSONBody(raw []byte) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}
