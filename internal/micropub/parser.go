package micropub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

const maxMultipartMemory = 8 << 20

// reserved form and JSON keys that are not post properties.
var reserved = map[string]bool{
	"h":            true,
	"action":       true,
	"url":          true,
	"access_token": true,
}

// Parse decodes a Micropub POST body according to its content type.
func Parse(contentType string, body []byte) (Request, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %q", indieweb.ErrUnsupportedContentType, contentType)
	}
	switch mediaType {
	case "application/json":
		return parseJSON(body)
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", indieweb.ErrParse, err)
		}
		return parseForm(values)
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return Request{}, fmt.Errorf("%w: multipart boundary missing", indieweb.ErrParse)
		}
		form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(maxMultipartMemory)
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", indieweb.ErrParse, err)
		}
		defer func() { _ = form.RemoveAll() }()
		// Uploaded files belong to the media endpoint and are ignored here.
		return parseForm(url.Values(form.Value))
	default:
		return Request{}, fmt.Errorf("%w: %q", indieweb.ErrUnsupportedContentType, mediaType)
	}
}

func parseForm(values url.Values) (Request, error) {
	req := Request{
		Action:      Action(strings.ToLower(strings.TrimSpace(values.Get("action")))),
		URL:         strings.TrimSpace(values.Get("url")),
		Type:        strings.TrimSpace(values.Get("h")),
		AccessToken: strings.TrimSpace(values.Get("access_token")),
		Properties:  Properties{},
	}
	for key, vals := range values {
		name := strings.TrimSuffix(key, "[]")
		if reserved[name] {
			continue
		}
		for _, v := range vals {
			req.Properties[name] = append(req.Properties[name], Value{Text: v})
		}
	}
	return finishRequest(req, true)
}

type jsonAction struct {
	Action      string                     `json:"action"`
	URL         string                     `json:"url"`
	Replace     map[string]json.RawMessage `json:"replace"`
	Add         map[string]json.RawMessage `json:"add"`
	Delete      json.RawMessage            `json:"delete"`
	AccessToken string                     `json:"access_token"`
}

func parseJSON(body []byte) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", indieweb.ErrParse, err)
	}
	if _, ok := raw["action"]; ok {
		return parseJSONAction(body)
	}

	req := Request{Action: ActionCreate, Properties: Properties{}}
	if token, ok := raw["access_token"]; ok {
		if err := json.Unmarshal(token, &req.AccessToken); err != nil {
			return Request{}, fmt.Errorf("%w: access_token: %v", indieweb.ErrParse, err)
		}
	}

	if rawProps, ok := raw["properties"]; ok {
		var types []string
		if rawType, ok := raw["type"]; ok {
			if err := json.Unmarshal(rawType, &types); err != nil {
				return Request{}, fmt.Errorf("%w: type: %v", indieweb.ErrParse, err)
			}
		}
		if len(types) > 0 {
			req.Type = strings.TrimPrefix(types[0], "h-")
		}
		var props map[string]json.RawMessage
		if err := json.Unmarshal(rawProps, &props); err != nil {
			return Request{}, fmt.Errorf("%w: properties: %v", indieweb.ErrParse, err)
		}
		parsed, err := decodeProperties(props)
		if err != nil {
			return Request{}, err
		}
		req.Properties = parsed
		return finishRequest(req, false)
	}

	// Flat objects such as {"name": "...", "content": "..."}.
	flat := make(map[string]json.RawMessage, len(raw))
	for key, value := range raw {
		if reserved[key] || key == "type" {
			continue
		}
		flat[key] = value
	}
	parsed, err := decodeProperties(flat)
	if err != nil {
		return Request{}, err
	}
	req.Properties = parsed
	return finishRequest(req, false)
}

func parseJSONAction(body []byte) (Request, error) {
	var in jsonAction
	if err := json.Unmarshal(body, &in); err != nil {
		return Request{}, fmt.Errorf("%w: %v", indieweb.ErrParse, err)
	}
	req := Request{
		Action:      Action(strings.ToLower(strings.TrimSpace(in.Action))),
		URL:         strings.TrimSpace(in.URL),
		AccessToken: in.AccessToken,
	}
	var err error
	if req.Replace, err = decodeProperties(in.Replace); err != nil {
		return Request{}, err
	}
	if req.Add, err = decodeProperties(in.Add); err != nil {
		return Request{}, err
	}
	if len(in.Delete) > 0 {
		var names []string
		if err := json.Unmarshal(in.Delete, &names); err == nil {
			req.DeleteProperties = names
		} else {
			var values map[string]json.RawMessage
			if err := json.Unmarshal(in.Delete, &values); err != nil {
				return Request{}, fmt.Errorf("%w: delete must be a list or an object", indieweb.ErrParse)
			}
			if req.DeleteValues, err = decodeProperties(values); err != nil {
				return Request{}, err
			}
		}
	}
	return finishRequest(req, false)
}

func finishRequest(req Request, fromForm bool) (Request, error) {
	if req.Action == "" {
		req.Action = ActionCreate
	}
	switch req.Action {
	case ActionCreate:
		return req, nil
	case ActionUpdate:
		if fromForm {
			return Request{}, fmt.Errorf("%w: update requires a JSON body", indieweb.ErrParse)
		}
	case ActionDelete, ActionUndelete:
	default:
		return Request{}, fmt.Errorf("%w: unknown action %q", indieweb.ErrParse, req.Action)
	}
	if req.URL == "" {
		return Request{}, fmt.Errorf("%w: %s requires url", indieweb.ErrParse, req.Action)
	}
	return req, nil
}

func decodeProperties(raw map[string]json.RawMessage) (Properties, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	props := make(Properties, len(raw))
	for name, value := range raw {
		vals, err := decodeValues(value)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", indieweb.ErrParse, name, err)
		}
		props[strings.TrimSuffix(name, "[]")] = vals
	}
	return props, nil
}

// decodeValues accepts a single value or a list. Values may be strings,
// numbers, {"html"}/{"value"} objects or nested microformats.
func decodeValues(raw json.RawMessage) ([]Value, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		list = []json.RawMessage{raw}
	}
	out := make([]Value, 0, len(list))
	for _, item := range list {
		v, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeValue(raw json.RawMessage) (Value, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, err
	}
	switch v := decoded.(type) {
	case string:
		return Value{Text: v}, nil
	case float64, bool:
		return Value{Text: strings.TrimSpace(string(raw))}, nil
	case nil:
		return Value{}, nil
	case map[string]any:
		return objectValue(v)
	default:
		return Value{}, errors.New("unsupported value")
	}
}

func objectValue(obj map[string]any) (Value, error) {
	if html, ok := obj["html"].(string); ok {
		text, _ := obj["value"].(string)
		if text == "" {
			text = html
		}
		return Value{Text: text, HTML: html}, nil
	}
	if text, ok := obj["value"].(string); ok {
		return Value{Text: text}, nil
	}
	// Nested microformat such as an h-cite: use its first url.
	if props, ok := obj["properties"].(map[string]any); ok {
		if urls, ok := props["url"].([]any); ok && len(urls) > 0 {
			if s, ok := urls[0].(string); ok {
				return Value{Text: s}, nil
			}
		}
	}
	return Value{}, errors.New("object value needs html, value or properties.url")
}
