package configstore

import (
	"encoding/json"
	"strings"
)

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func encodeJSONScalar(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func decodeJSONScalar(raw []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
