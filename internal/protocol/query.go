package protocol

import (
	"fmt"
	"net/url"
)

// decodeQuery turns a=1&b=2&b=3 into a payload map. Repeated keys become
// string slices.
func decodeQuery(input string) (map[string]any, error) {
	values, err := url.ParseQuery(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		out[k] = vs
	}
	return out, nil
}
