package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

const maxPaths = 100

var verbOrder = []string{"get", "post", "put", "patch", "delete"}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Compile traverses an OpenAPI 3.x document and returns its capability
// table in traversal order (paths sorted by key, since the decoded document
// does not keep its own path order; verbs in the fixed order
// get/post/put/patch/delete), each paired with a call closure bound to
// baseURL and client.
func Compile(doc map[string]any, baseURL string, client *http.Client) ([]Compiled, error) {
	rawPaths, ok := doc["paths"]
	if !ok {
		return nil, errors.New("spec has no paths")
	}
	paths, ok := rawPaths.(map[string]any)
	if !ok {
		return nil, errors.New("spec paths is not an object")
	}
	if len(paths) == 0 {
		return nil, errors.New("spec has no paths")
	}
	if len(paths) > maxPaths {
		return nil, fmt.Errorf("spec has %d paths, max is %d", len(paths), maxPaths)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	var out []Compiled
	seen := map[string]struct{}{}
	for _, p := range pathKeys {
		methodMap, ok := paths[p].(map[string]any)
		if !ok {
			continue
		}
		for _, verb := range verbOrder {
			rawOp, ok := methodMap[verb]
			if !ok {
				continue
			}
			op, ok := rawOp.(map[string]any)
			if !ok {
				continue
			}
			method := strings.ToUpper(verb)
			name := operationName(op, method, p)
			for i := 2; ; i++ {
				if _, dup := seen[name]; !dup {
					break
				}
				name = fmt.Sprintf("%s_%d", name, i)
			}
			seen[name] = struct{}{}

			params := mergeParams(op, method)
			requiresSession := hasSecurity(op)

			c := Capability{
				Name:            name,
				Method:          method,
				PathTemplate:    p,
				Params:          params,
				RequiresSession: requiresSession,
			}
			call := buildCall(client, baseURL, method, p)
			out = append(out, Compiled{Capability: c, Call: call})
		}
	}
	return out, nil
}

// operationName derives a capability name from operationId, falling back
// to method_path with non-alphanumerics collapsed.
func operationName(op map[string]any, method, path string) string {
	if id, ok := op["operationId"].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return derive(method, path)
}

func derive(method, path string) string {
	raw := strings.ToLower(method) + "_" + path
	collapsed := nonAlnum.ReplaceAllString(raw, "_")
	collapsed = strings.Trim(collapsed, "_")
	if collapsed == "" {
		collapsed = strings.ToLower(method)
	}
	return collapsed
}

func hasSecurity(op map[string]any) bool {
	sec, ok := op["security"]
	if !ok {
		return false
	}
	list, ok := sec.([]any)
	if !ok {
		return false
	}
	return len(list) > 0
}

func mergeParams(op map[string]any, method string) map[string]ParamSpec {
	params := map[string]ParamSpec{}

	if rawParams, ok := op["parameters"].([]any); ok {
		for _, rp := range rawParams {
			pm, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			in, _ := pm["in"].(string)
			if in != "query" && in != "path" {
				continue
			}
			name, _ := pm["name"].(string)
			if name == "" {
				continue
			}
			required, _ := pm["required"].(bool)
			if in == "path" {
				required = true
			}
			spec := ParamSpec{Type: "string", Required: required}
			if schema, ok := pm["schema"].(map[string]any); ok {
				applySchema(&spec, schema)
			}
			params[name] = spec
		}
	}

	if method != "GET" && method != "DELETE" {
		if rb, ok := op["requestBody"].(map[string]any); ok {
			if content, ok := rb["content"].(map[string]any); ok {
				if appJSON, ok := content["application/json"].(map[string]any); ok {
					if schema, ok := appJSON["schema"].(map[string]any); ok {
						required := map[string]struct{}{}
						if reqList, ok := schema["required"].([]any); ok {
							for _, r := range reqList {
								if s, ok := r.(string); ok {
									required[s] = struct{}{}
								}
							}
						}
						if props, ok := schema["properties"].(map[string]any); ok {
							for name, rawProp := range props {
								spec := ParamSpec{Type: "string"}
								if propSchema, ok := rawProp.(map[string]any); ok {
									applySchema(&spec, propSchema)
								}
								if _, ok := required[name]; ok {
									spec.Required = true
								}
								params[name] = spec
							}
						}
					}
				}
			}
		}
	}

	return params
}

func applySchema(spec *ParamSpec, schema map[string]any) {
	if t, ok := schema["type"].(string); ok && t != "" {
		spec.Type = t
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		spec.Enum = enum
	}
	if def, ok := schema["default"]; ok {
		spec.Default = def
	}
}

// buildCall returns the per-capability upstream-call closure.
func buildCall(client *http.Client, baseURL, method, pathTemplate string) CallFunc {
	return func(ctx context.Context, req CallRequest) (any, error) {
		resolvedPath, err := substitutePath(pathTemplate, req.Params)
		if err != nil {
			return nil, err
		}
		fullURL := baseURL + resolvedPath

		var bodyReader io.Reader
		var contentType string
		if method != "GET" && method != "DELETE" {
			if req.Body != nil {
				b, err := json.Marshal(req.Body)
				if err != nil {
					return nil, err
				}
				bodyReader = bytes.NewReader(b)
				contentType = "application/json"
			}
		} else if len(req.Query) > 0 {
			fullURL += "?" + req.Query.Encode()
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			return nil, &UpstreamError{StatusCode: resp.StatusCode}
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, nil
		}
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	}
}

// substitutePath replaces {name} placeholders in pathTemplate with
// URL-encoded values from params.
func substitutePath(pathTemplate string, params map[string]any) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(pathTemplate) {
		c := pathTemplate[i]
		if c == '{' {
			end := strings.IndexByte(pathTemplate[i:], '}')
			if end == -1 {
				return "", fmt.Errorf("unterminated path placeholder in %q", pathTemplate)
			}
			name := pathTemplate[i+1 : i+end]
			val, ok := params[name]
			if !ok {
				return "", fmt.Errorf("missing path parameter %q", name)
			}
			b.WriteString(url.PathEscape(fmt.Sprint(val)))
			i += end + 1
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), nil
}
