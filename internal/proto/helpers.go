package proto

import "encoding/json"

// MustMarshal is for values whose encoding cannot fail.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
