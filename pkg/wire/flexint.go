package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexInt accepts either a JSON number or a string-valued integer on
// ingress and always emits the canonical integer form on egress, per the
// protocol's tolerance for string-typed integers on older peers.
type FlexInt int64

func (f FlexInt) Int() int64 { return int64(f) }

func (f FlexInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(f))
}

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("wire: invalid string-valued integer %q: %w", s, err)
		}
		*f = FlexInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}
