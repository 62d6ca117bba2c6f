package agent

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"api-governance-agent/internal/event"
)

// encodeBody returns a JSON body as its parsed value and anything else
// base64 encoded, with the matching transfer encoding.
func encodeBody(b []byte) (any, string) {
	if len(b) == 0 {
		return nil, ""
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v, ""
	}
	return base64.StdEncoding.EncodeToString(b), event.TransferEncodingBase64
}

// drain reads rc fully and returns a replacement reader over the same bytes.
func drain(rc io.ReadCloser) ([]byte, io.ReadCloser, error) {
	if rc == nil || rc == http.NoBody {
		return nil, rc, nil
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return b, io.NopCloser(bytes.NewReader(b)), err
}

// flatten joins multi-valued headers under their canonical names.
func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		ck := http.CanonicalHeaderKey(k)
		if prev, ok := out[ck]; ok {
			vs = append([]string{prev}, vs...)
		}
		out[ck] = strings.Join(vs, ", ")
	}
	return out
}
