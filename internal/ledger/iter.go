package ledger

import (
	"context"
	"iter"
)

// HistoryIter lazily walks an account's transactions newest first, fetching
// pageSize rows at a time. Iteration stops at the first error.
func (s *Service) HistoryIter(ctx context.Context, accountID int64, pageSize int) iter.Seq2[Transaction, error] {
	if pageSize <= 0 {
		pageSize = 50
	}
	return func(yield func(Transaction, error) bool) {
		if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
			yield(Transaction{}, err)
			return
		}
		for offset := 0; ; offset += pageSize {
			rows, err := s.repo.ListTransactions(ctx, accountID, pageSize, offset)
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
			}
			if len(rows) < pageSize {
				return
			}
		}
	}
}
