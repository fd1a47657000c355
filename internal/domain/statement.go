package domain

import (
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// Statement summarizes one account's ledger activity over a calendar month.
type Statement struct {
	AccountID     int64                  `json:"account_id"`
	Year          int                    `json:"year"`
	Month         time.Month             `json:"month"`
	SentCount     int                    `json:"sent_count"`
	ReceivedCount int                    `json:"received_count"`
	TotalSent     decimal.Decimal        `json:"total_sent"`
	TotalReceived decimal.Decimal        `json:"total_received"`
	NetChange     decimal.Decimal        `json:"net_change"`
	ByStatus      map[TransferStatus]int `json:"by_status"`
	Entries       []LedgerEntry          `json:"entries"`
}

// Summarize folds the entries of accountID that fall inside the given month
// (UTC) into a Statement. Only completed entries count toward the totals.
func Summarize(entries iter.Seq2[LedgerEntry, error], accountID int64, year int, month time.Month) (Statement, error) {
	st := Statement{
		AccountID:     accountID,
		Year:          year,
		Month:         month,
		TotalSent:     decimal.Zero,
		TotalReceived: decimal.Zero,
		ByStatus:      make(map[TransferStatus]int),
		Entries:       []LedgerEntry{},
	}

	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	for e, err := range entries {
		if err != nil {
			return Statement{}, err
		}
		if !e.Involves(accountID) {
			continue
		}
		at := e.CreatedAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}

		st.Entries = append(st.Entries, e)
		st.ByStatus[e.Status]++
		if e.Status != StatusCompleted {
			continue
		}
		if e.SenderID == accountID {
			st.SentCount++
			st.TotalSent = st.TotalSent.Add(e.Amount)
		}
		if e.ReceiverID == accountID {
			st.ReceivedCount++
			st.TotalReceived = st.TotalReceived.Add(e.Amount)
		}
	}

	st.NetChange = st.TotalReceived.Sub(st.TotalSent)
	return st, nil
}
