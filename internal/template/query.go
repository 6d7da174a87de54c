package template

import (
	"encoding/json"
	"net/url"
)

// QueryValues folds a JSON body into query parameters for requests that
// carry no body. Top-level fields of an object become parameters: scalars
// are formatted with Scalar, nested values are JSON encoded. Anything that is
// not an object travels as a single "data" parameter.
func QueryValues(body string) url.Values {
	q := url.Values{}
	if body == "" {
		return q
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil || obj == nil {
		q.Set("data", body)
		return q
	}
	for k, v := range obj {
		switch v.(type) {
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			q.Set(k, string(b))
		default:
			q.Set(k, Scalar(v))
		}
	}
	return q
}

// AppendQuery merges q into the query string of rawURL. Parameters already
// present in the URL are kept; folded values are added after them.
func AppendQuery(rawURL string, q url.Values) (string, error) {
	if len(q) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Add(k, v)
		}
	}
	u.RawQuery = existing.Encode()
	return u.String(), nil
}
