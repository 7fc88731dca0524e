package ranksync

import (
	"bytes"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// connection ids are ulids, so ids from the same client order by connect time

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

// uuid form
func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
