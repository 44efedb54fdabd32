package engine

import (
	"encoding/base64"
	"encoding/json"

	errs "github.com/lazypower/mnemo/internal/errors"
)

// cursor is a position in a ranked listing: the sort key and id of the last
// record returned. For search the key is the score; for the timeline it is
// created_at in unix ms.
type cursor struct {
	Key float64 `json:"s"`
	ID  int64   `json:"i"`
}

func encodeCursor(key float64, id int64) string {
	buf, _ := json.Marshal(cursor{Key: key, ID: id})
	return base64.RawURLEncoding.EncodeToString(buf)
}

func decodeCursor(op, s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Validation(op, "malformed cursor")
	}
	var c cursor
	if err := json.Unmarshal(buf, &c); err != nil || c.ID <= 0 {
		return nil, errs.Validation(op, "malformed cursor")
	}
	return &c, nil
}
