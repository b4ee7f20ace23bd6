package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/toolplane/toolplane/internal/registry"
	"github.com/toolplane/toolplane/pkg/models"
)

// ToolHandler returns the dispatcher's default handler. A descriptor's
// APIPath and Method are pure data: {braces} path segments are filled from
// the call arguments, the rest travel as the query string for bodyless
// methods and as the JSON body otherwise. The unwrapped platform response is
// returned verbatim as a text block.
func ToolHandler(c *Client) registry.Handler {
	return func(ctx context.Context, inv *registry.Invocation) (*models.ToolResult, error) {
		path, used, err := expandPath(inv.Descriptor.APIPath, inv.Params)
		if err != nil {
			return nil, err
		}
		method := inv.Descriptor.Method
		if method == "" {
			method = http.MethodGet
		}

		rest := make(map[string]any, len(inv.Params))
		for k, v := range inv.Params {
			if !used[k] {
				rest[k] = v
			}
		}

		var query url.Values
		var body any
		switch method {
		case http.MethodGet, http.MethodHead, http.MethodDelete:
			query = queryValues(rest)
		default:
			if len(rest) > 0 {
				body = rest
			}
		}

		data, err := c.Do(ctx, method, path, query, body, inv.Token)
		if err != nil {
			return nil, err
		}
		return models.TextResult(string(data)), nil
	}
}

// expandPath substitutes {name} segments from args and reports which keys
// were consumed. A missing path argument fails the call before any request
// is built.
func expandPath(path string, args map[string]any) (string, map[string]bool, error) {
	used := make(map[string]bool)
	if !strings.Contains(path, "{") {
		return path, used, nil
	}
	var b strings.Builder
	rest := path
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest, "}")
		if end < open {
			return "", nil, fmt.Errorf("platform: malformed path template %q", path)
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : end]
		v, ok := args[name]
		if !ok {
			return "", nil, fmt.Errorf("platform: missing path parameter %q", name)
		}
		seg := stringValue(v)
		if seg == "" {
			return "", nil, fmt.Errorf("platform: empty path parameter %q", name)
		}
		b.WriteString(url.PathEscape(seg))
		used[name] = true
		rest = rest[end+1:]
	}
	return b.String(), used, nil
}

// queryValues flattens arguments into a query string. Scalars format
// naturally; anything structured is JSON-encoded.
func queryValues(args map[string]any) url.Values {
	if len(args) == 0 {
		return nil
	}
	q := make(url.Values, len(args))
	for k, v := range args {
		q.Set(k, stringValue(v))
	}
	return q
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
