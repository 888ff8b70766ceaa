package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Registry returns all console commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "run",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/api/v1/verify/runs",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "run_id", Aliases: []string{"id"}, Prompt: "run_id", Type: FieldString, Required: false},
				{Name: "bundle", Prompt: "bundle", Type: FieldString, Required: false},
				{Name: "bundle_version", Aliases: []string{"version"}, Prompt: "bundle_version", Type: FieldString, Required: false},
				{Name: "bundle_digest", Aliases: []string{"digest"}, Prompt: "bundle_digest", Type: FieldString, Required: false},
				{Name: "probes", Prompt: "probes (comma-separated)", Type: FieldStringList, Required: false},
				{Name: "parallel", Prompt: "parallel", Type: FieldInt, Required: false},
			},
		},
		{
			Service:      "run",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/verify/runs/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"run_id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "run",
			Action:       "report",
			Method:       "GET",
			PathTemplate: "/api/v1/verify/runs/:id/report",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"run_id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "run",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/verify/runs",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "page", Prompt: "page", Type: FieldInt, Required: false, InQuery: true},
				{Name: "page_size", Prompt: "page_size", Type: FieldInt, Required: false, InQuery: true},
				{Name: "order_by", Prompt: "order_by", Type: FieldString, Required: false, InQuery: true},
				{Name: "order", Prompt: "order (asc|desc)", Type: FieldString, Required: false, InQuery: true},
			},
		},
		{
			Service:      "run",
			Action:       "ack",
			Method:       "POST",
			PathTemplate: "/api/v1/verify/runs/:id/ack",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"run_id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "run",
			Action:       "purge",
			Method:       "DELETE",
			PathTemplate: "/api/v1/verify/runs/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"run_id"}, Prompt: "run_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "verify",
			Action:       "stats",
			Method:       "GET",
			PathTemplate: "/api/v1/verify/stats",
			RequiresAuth: true,
		},
		{
			Service:      "verify",
			Action:       "catalog",
			Method:       "GET",
			PathTemplate: "/api/v1/verify/catalog",
			RequiresAuth: true,
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	path = appendQuery(path, cmd, params)

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	placeholder := ":id"
	if strings.Contains(path, placeholder) {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
	}
	return path, nil
}

func appendQuery(path string, cmd Command, params Params) string {
	values := url.Values{}
	for _, field := range cmd.Fields {
		if !field.InQuery {
			continue
		}
		if value := params.Get(field.Name); value != "" {
			values.Set(field.Name, value)
		}
	}
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service == "run" && cmd.Action == "submit" {
		payload := map[string]interface{}{}
		for _, key := range []string{"run_id", "bundle", "bundle_version", "bundle_digest"} {
			if value := params.Get(key); value != "" {
				payload[key] = value
			}
		}
		if params.Get("probes") != "" {
			payload["probes"] = ParseStringList(params.Get("probes"))
		}
		if params.Get("parallel") != "" {
			parallel, err := ParseInt(params.Get("parallel"))
			if err != nil {
				return nil, fmt.Errorf("invalid parallel: %w", err)
			}
			payload["parallel"] = parallel
		}
		return payload, nil
	}
	return nil, nil
}
