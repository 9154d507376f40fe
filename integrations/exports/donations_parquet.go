// Package exports renders the donation ledger for auditors and accounting
// tools. Every export returns its payload with a SHA-256 checksum.
package exports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"givechain/native/ledger"
)

// donationRow is the flattened export record shared by every format.
// Amounts stay decimal strings so base units never lose precision.
type donationRow struct {
	DonationID  string `json:"donation_id" parquet:"name=donation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MilestoneID string `json:"milestone_id" parquet:"name=milestone_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Donor       string `json:"donor" parquet:"name=donor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      string `json:"amount" parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `json:"status" parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxRef       string `json:"tx_ref" parquet:"name=tx_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `json:"created_at" parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt   string `json:"updated_at" parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRow(d *ledger.Donation) *donationRow {
	amount := "0"
	if d.Amount != nil {
		amount = d.Amount.String()
	}
	return &donationRow{
		DonationID:  d.ID,
		MilestoneID: d.MilestoneID,
		Donor:       d.Donor.Hex(),
		Amount:      amount,
		Status:      string(d.Status),
		TxRef:       d.TxRef,
		CreatedAt:   formatTime(d.CreatedAt),
		UpdatedAt:   formatTime(d.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// DonationsParquet builds a snappy-compressed Parquet export of the supplied
// donations.
func DonationsParquet(donations []*ledger.Donation) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(donationRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, d := range donations {
		if d == nil {
			continue
		}
		if err := pw.Write(toRow(d)); err != nil {
			pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
