package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"

	"givechain/native/ledger"
)

var donationHeader = []string{"donation_id", "milestone_id", "donor", "amount", "status", "tx_ref", "created_at", "updated_at"}

// DonationsCSV builds a CSV export of the supplied donations and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func DonationsCSV(donations []*ledger.Donation) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(donationHeader); err != nil {
		return nil, "", err
	}
	for _, d := range donations {
		if d == nil {
			continue
		}
		r := toRow(d)
		record := []string{r.DonationID, r.MilestoneID, r.Donor, r.Amount, r.Status, r.TxRef, r.CreatedAt, r.UpdatedAt}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
