package reputation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/store"
)

func newEngine(st *store.Memory) *Engine {
	return New(st, st, st, nil)
}

func TestInitialScoreByStake(t *testing.T) {
	cases := []struct {
		staked float64
		score  int
	}{
		{0, 4000},
		{0.5, 4000},
		{1, 5000},
		{4.9, 5000},
		{5, 6000},
		{9.99, 6000},
		{10, 7000},
		{100, 7000},
	}
	for _, tc := range cases {
		require.Equal(t, tc.score, initialScore(tc.staked), "stake %v", tc.staked)
	}
}

func TestRegisterAgentRejectsDuplicateWallet(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	wallet := "Agent11111111111111111111111111111111111111"
	agent, err := e.RegisterAgent(context.Background(), wallet, 5.0, "ipfs://meta")
	require.NoError(t, err)
	require.Equal(t, 6000, agent.ReputationScore)

	_, err = e.RegisterAgent(context.Background(), wallet, 5.0, "")
	require.Error(t, err)
	pe, ok := err.(*facilitator.PaymentError)
	require.True(t, ok)
	require.Equal(t, facilitator.ErrCodeDuplicateRegistration, pe.Code)
}

func TestRecordTransactionSuccessMovesScoreTowardRate(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 10.0, "")
	require.NoError(t, err)
	require.Equal(t, 7000, agent.ReputationScore)

	// Perfect record: floor(7000*0.95 + 10000*0.05) = 7150.
	updated, err := e.RecordTransaction(context.Background(), agent.ID, 1.5, true)
	require.NoError(t, err)
	require.Equal(t, 7150, updated.ReputationScore)
	require.Equal(t, 1, updated.TotalTransactions)
	require.Equal(t, 1, updated.SuccessfulTransactions)
	require.InDelta(t, 1.5, updated.TotalSpent, 1e-9)
}

func TestRecordTransactionFailurePenalty(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 0, "")
	require.NoError(t, err)

	updated, err := e.RecordTransaction(context.Background(), agent.ID, 2.0, false)
	require.NoError(t, err)
	require.Equal(t, 3900, updated.ReputationScore)
	require.Equal(t, 1, updated.TotalTransactions)
	require.Zero(t, updated.SuccessfulTransactions)
	require.Zero(t, updated.TotalSpent, "failed calls do not count as spend")

	// The penalty never drives the score negative.
	stored, err := st.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	stored.ReputationScore = 40
	require.NoError(t, st.UpdateAgent(context.Background(), stored))

	updated, err = e.RecordTransaction(context.Background(), agent.ID, 2.0, false)
	require.NoError(t, err)
	require.Zero(t, updated.ReputationScore)
}

func TestRecordTransactionUnknownAgent(t *testing.T) {
	e := newEngine(store.NewMemory())

	_, err := e.RecordTransaction(context.Background(), "missing", 1.0, true)
	require.Error(t, err)
	pe, ok := err.(*facilitator.PaymentError)
	require.True(t, ok)
	require.Equal(t, facilitator.ErrCodeAgentNotFound, pe.Code)
}

func TestCreditLimitGrantedAboveThreshold(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 10.0, "")
	require.NoError(t, err)
	require.Zero(t, agent.CreditLimit, "no line at registration")

	// Push the score above the credit threshold with a long success streak.
	var updated *store.Agent
	for i := 0; i < 60; i++ {
		updated, err = e.RecordTransaction(context.Background(), agent.ID, 1.0, true)
		require.NoError(t, err)
	}
	require.Greater(t, updated.ReputationScore, 9000)
	granted := updated.CreditLimit
	require.InDelta(t, 0.10*updated.TotalSpent, granted, 1e-9)

	// Failures drop the score below the threshold but keep the line.
	for updated.ReputationScore > 9000 {
		updated, err = e.RecordTransaction(context.Background(), agent.ID, 1.0, false)
		require.NoError(t, err)
	}
	require.InDelta(t, granted, updated.CreditLimit, 1e-9)
}

func TestSlashForFraud(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 10.0, "")
	require.NoError(t, err)

	// fraud 500 => 5.0 seized from stake, score 7000 -> 6000.
	updated, slashed, err := e.SlashForFraud(context.Background(), agent.ID, 500, "ipfs://evidence")
	require.NoError(t, err)
	require.InDelta(t, 5.0, slashed, 1e-9)
	require.InDelta(t, 5.0, updated.StakedAmount, 1e-9)
	require.InDelta(t, 5.0, updated.SlashedAmount, 1e-9)
	require.Equal(t, 6000, updated.ReputationScore)

	// A second large fraud can only seize what stake remains.
	updated, slashed, err = e.SlashForFraud(context.Background(), agent.ID, 100000, "ipfs://evidence2")
	require.NoError(t, err)
	require.InDelta(t, 5.0, slashed, 1e-9)
	require.Zero(t, updated.StakedAmount)
	require.InDelta(t, 10.0, updated.SlashedAmount, 1e-9)
	require.Equal(t, 5000, updated.ReputationScore)

	stats, err := e.GetAgentStatistics(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Zero(t, stats.StakedAmount, "statistics report the post-slash stake")
	require.InDelta(t, 10.0, stats.SlashedAmount, 1e-9)

	_, _, err = e.SlashForFraud(context.Background(), "missing", 100, "")
	require.Error(t, err)
	pe, ok := err.(*facilitator.PaymentError)
	require.True(t, ok)
	require.Equal(t, facilitator.ErrCodeAgentNotFound, pe.Code)
}

func TestRateService(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 1.0, "")
	require.NoError(t, err)

	svc := &store.Service{URL: "https://api.example.com/v1", OwnerWallet: "Merchant1"}
	require.NoError(t, st.CreateService(context.Background(), svc))

	tx := &store.Transaction{AgentID: agent.ID, ServiceID: svc.ID, Amount: 1.0, Status: store.TransactionConfirmed}
	require.NoError(t, st.CreateTransaction(context.Background(), tx))
	tx2 := &store.Transaction{AgentID: agent.ID, ServiceID: svc.ID, Amount: 1.0, Status: store.TransactionConfirmed}
	require.NoError(t, st.CreateTransaction(context.Background(), tx2))

	rated, err := e.RateService(context.Background(), tx.ID, agent.ID, 4.0, "solid")
	require.NoError(t, err)
	require.Equal(t, 1, rated.TotalRatings)
	require.InDelta(t, 4.0, rated.AverageRating, 1e-9)
	require.Equal(t, 8000, rated.ReputationScore)

	rated, err = e.RateService(context.Background(), tx2.ID, agent.ID, 5.0, "")
	require.NoError(t, err)
	require.Equal(t, 2, rated.TotalRatings)
	require.InDelta(t, 4.5, rated.AverageRating, 1e-9)
	require.Equal(t, 9000, rated.ReputationScore)
}

func TestRateServiceGuards(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 1.0, "")
	require.NoError(t, err)

	svc := &store.Service{URL: "https://api.example.com/v1"}
	require.NoError(t, st.CreateService(context.Background(), svc))
	tx := &store.Transaction{AgentID: agent.ID, ServiceID: svc.ID, Status: store.TransactionConfirmed}
	require.NoError(t, st.CreateTransaction(context.Background(), tx))

	_, err = e.RateService(context.Background(), "missing", agent.ID, 4.0, "")
	requireCode(t, err, facilitator.ErrCodeTransactionNotFound)

	_, err = e.RateService(context.Background(), tx.ID, "someone-else", 4.0, "")
	requireCode(t, err, facilitator.ErrCodeUnauthorizedRating)

	_, err = e.RateService(context.Background(), tx.ID, agent.ID, 4.0, "")
	require.NoError(t, err)
	_, err = e.RateService(context.Background(), tx.ID, agent.ID, 5.0, "")
	requireCode(t, err, facilitator.ErrCodeAlreadyRated)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	pe, ok := err.(*facilitator.PaymentError)
	require.True(t, ok, "unexpected error: %v", err)
	require.Equal(t, code, pe.Code)
}

func TestGetAgentStatistics(t *testing.T) {
	st := store.NewMemory()
	e := newEngine(st)

	agent, err := e.RegisterAgent(context.Background(), "AgentA", 5.0, "")
	require.NoError(t, err)

	_, err = e.RecordTransaction(context.Background(), agent.ID, 2.0, true)
	require.NoError(t, err)
	_, err = e.RecordTransaction(context.Background(), agent.ID, 2.0, false)
	require.NoError(t, err)

	stats, err := e.GetAgentStatistics(context.Background(), agent.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalTransactions)
	require.Equal(t, 1, stats.SuccessfulTransactions)
	require.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	require.InDelta(t, 2.0, stats.TotalSpent, 1e-9)
	require.InDelta(t, 5.0, stats.StakedAmount, 1e-9)
}
