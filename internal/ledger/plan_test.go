package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

func TestInterestForActual365(t *testing.T) {
	cases := []struct {
		name string
		base string
		rate string
		days int64
		want string
	}{
		{"month of savings", "10000.00", "12", 31, "101.92"},
		{"thirty days", "1000.00", "5", 30, "4.11"},
		{"half rounds to even down", "18.25", "10", 1, "0.00"},
		{"half rounds to even up", "54.75", "10", 1, "0.02"},
		{"half stays even", "91.25", "10", 1, "0.02"},
		{"zero rate", "5000.00", "0", 90, "0.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := InterestFor(d(tc.base), d(tc.rate), tc.days)
			require.Equal(t, tc.want, got.StringFixed(2))
		})
	}
}

func TestPlanLeavesInputUntouched(t *testing.T) {
	acct := Account{ID: 1, Kind: KindSavings, Status: StatusActive, Balance: d("100.00"), Version: 3}
	member := MemberProfile{Status: members.StatusActive}

	p, err := plan(acct, member, Request{Type: TxWithdrawal, Amount: d("30.00")}, testNow)
	require.NoError(t, err)
	require.Equal(t, "100.00", acct.Balance.StringFixed(2))
	require.Equal(t, "70.00", p.account.Balance.StringFixed(2))
	require.Equal(t, "-30.00", p.tx.Amount.StringFixed(2))
	require.Equal(t, int64(3), p.update.ExpectedVersion)
	require.True(t, p.update.ExpectedBalance.Equal(d("100.00")))
}

func TestPlanZeroInterestRejected(t *testing.T) {
	acct := Account{
		ID:                    1,
		Kind:                  KindSavings,
		Status:                StatusActive,
		Balance:               d("10.00"),
		InterestRate:          d("1"),
		InterestPostedThrough: testNow.AddDate(0, 0, -1),
	}
	_, err := plan(acct, MemberProfile{Status: members.StatusActive}, Request{Type: TxInterest}, testNow)
	require.Equal(t, ReasonNoInterestDue, shared.RejectionReason(err))

	acct.InterestPostedThrough = testNow.Add(2 * time.Hour)
	_, err = plan(acct, MemberProfile{Status: members.StatusActive}, Request{Type: TxInterest}, testNow)
	require.Equal(t, ReasonInterestAlreadyPosted, shared.RejectionReason(err))
}

func TestContributionRejectsFeesAndInterest(t *testing.T) {
	acct := Account{ID: 1, Kind: KindContribution, Status: StatusActive, Balance: d("10.00")}
	member := MemberProfile{Status: members.StatusActive}
	for _, typ := range []TxType{TxFee, TxRepayment} {
		_, err := plan(acct, member, Request{Type: typ, Amount: d("1.00")}, testNow)
		require.Equal(t, ReasonOperationNotAllowed, shared.RejectionReason(err))
	}
}
