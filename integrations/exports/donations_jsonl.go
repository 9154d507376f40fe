package exports

import (
	"bytes"
	"encoding/json"

	"givechain/native/ledger"
)

// DonationsJSONL builds a JSON Lines export of the supplied donations and
// returns the serialised payload alongside a checksum.
func DonationsJSONL(donations []*ledger.Donation) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, d := range donations {
		if d == nil {
			continue
		}
		if err := encoder.Encode(toRow(d)); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
