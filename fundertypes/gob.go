package fundertypes

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

func init() {
	gob.Register(OpEnableRequests{})
	gob.Register(OpDisableRequests{})
	gob.Register(OpSetRemoteMaxDebt{})
	gob.Register(OpRequestSendFunds{})
	gob.Register(OpResponseSendFunds{})
	gob.Register(OpFailureSendFunds{})
}

// MarshalBinary encodes the ratio as a one-byte flag (0x01 for the full
// ratio) followed by the numerator, letting UsableRatio ride inside
// gob-encoded persistence records despite its unexported fields.
func (r UsableRatio) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 9)
	if r.isOne {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:], r.numerator)
	return buf, nil
}

// UnmarshalBinary restores a UsableRatio from MarshalBinary's encoding.
func (r *UsableRatio) UnmarshalBinary(data []byte) error {
	if len(data) != 9 {
		return fmt.Errorf("fundertypes: usable ratio data has wrong length %d", len(data))
	}
	r.isOne = data[0] == 1
	r.numerator = binary.BigEndian.Uint64(data[1:])
	return nil
}
