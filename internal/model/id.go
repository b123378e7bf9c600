package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ItemID references a catalog item. The API uses integer ids while older
// persisted carts may carry string ids; both decode to the same value and an
// all-digit id is encoded back as a JSON number.
type ItemID string

func IntID(id int64) ItemID { return ItemID(strconv.FormatInt(id, 10)) }

func (id ItemID) String() string { return string(id) }

func (id ItemID) numeric() bool {
	if id == "" || len(id) > 18 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	// Leading zeros would not survive a number round-trip.
	return id == "0" || id[0] != '0'
}

func (id ItemID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ItemID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = IntID(i)
		return nil
	}
	return fmt.Errorf("item id: non-integer number %s", n)
}
