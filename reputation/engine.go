// Package reputation maintains agent and service reputation aggregates.
// Scores live on a 0..10000 basis-point scale. Agent scores move as an
// exponential moving average of the agent's success rate; service scores
// are a plain running average of ratings.
package reputation

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/store"
)

const (
	maxScore = 10000

	// scoreDecay weighs history against the latest observation in the
	// agent score EWMA.
	scoreDecay = 0.95

	// failurePenalty is subtracted from the agent score per failed call,
	// never driving it below zero.
	failurePenalty = 100

	// slashPenalty is subtracted from the agent score per fraud slashing.
	slashPenalty = 1000

	// creditScoreThreshold gates credit: only agents above it get a line.
	creditScoreThreshold = 9000

	// creditRate is the credit line as a share of lifetime spend.
	creditRate = 0.10

	// slashDivisor converts a fraud amount into stake to seize.
	slashDivisor = 100
)

// Initial scores by staked collateral.
const (
	stakeTierHigh = 10.0
	stakeTierMid  = 5.0
	stakeTierLow  = 1.0

	scoreTierHigh = 7000
	scoreTierMid  = 6000
	scoreTierLow  = 5000
	scoreTierBase = 4000
)

// Engine updates reputation state in response to protocol events.
type Engine struct {
	agents   store.AgentStore
	services store.ServiceStore
	txs      store.TransactionStore
	log      *logrus.Logger
}

// New creates an Engine. A nil logger falls back to the standard logger.
func New(agents store.AgentStore, services store.ServiceStore, txs store.TransactionStore, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{agents: agents, services: services, txs: txs, log: log}
}

// initialScore maps staked collateral to a starting reputation.
func initialScore(staked float64) int {
	switch {
	case staked >= stakeTierHigh:
		return scoreTierHigh
	case staked >= stakeTierMid:
		return scoreTierMid
	case staked >= stakeTierLow:
		return scoreTierLow
	default:
		return scoreTierBase
	}
}

// RegisterAgent creates an agent with a stake-derived initial score.
// Registering an already-known wallet is an error.
func (e *Engine) RegisterAgent(ctx context.Context, wallet string, staked float64, metadataURI string) (*store.Agent, error) {
	if existing, err := e.agents.GetAgentByWallet(ctx, wallet); err == nil {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeDuplicateRegistration,
			"agent already registered", map[string]interface{}{"agentId": existing.ID})
	}

	agent := &store.Agent{
		WalletAddress:   wallet,
		StakedAmount:    staked,
		ReputationScore: initialScore(staked),
		MetadataURI:     metadataURI,
	}
	if err := e.agents.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"agentId": agent.ID,
		"wallet":  wallet,
		"staked":  staked,
		"score":   agent.ReputationScore,
	}).Info("agent registered")
	return agent, nil
}

// RecordTransaction folds one completed call into the agent's aggregates and
// score. Success moves the score toward the agent's lifetime success rate;
// failure applies a flat penalty.
func (e *Engine) RecordTransaction(ctx context.Context, agentID string, amount float64, success bool) (*store.Agent, error) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, facilitator.NewPaymentError(facilitator.ErrCodeAgentNotFound,
				"agent not found", map[string]interface{}{"agentId": agentID})
		}
		return nil, err
	}

	agent.TotalTransactions++
	if success {
		agent.SuccessfulTransactions++
		agent.TotalSpent += amount
	}
	e.updateAfterTransaction(agent, success)

	if err := e.agents.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// updateAfterTransaction recomputes score and credit limit in place.
func (e *Engine) updateAfterTransaction(agent *store.Agent, success bool) {
	if success {
		successRate := float64(agent.SuccessfulTransactions) / float64(agent.TotalTransactions)
		observed := math.Floor(successRate * maxScore)
		agent.ReputationScore = clampScore(int(math.Floor(
			float64(agent.ReputationScore)*scoreDecay + observed*(1-scoreDecay))))
	} else {
		penalty := failurePenalty
		if agent.ReputationScore < penalty {
			penalty = agent.ReputationScore
		}
		agent.ReputationScore -= penalty
	}

	// Credit is granted when the score crosses the threshold and stays
	// granted; a score drop does not claw back the line.
	if agent.ReputationScore > creditScoreThreshold {
		agent.CreditLimit = creditRate * agent.TotalSpent
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// SlashForFraud seizes stake proportional to the fraud amount, applies the
// score penalty, and records the dispute resolution.
func (e *Engine) SlashForFraud(ctx context.Context, agentID string, fraudAmount float64, evidenceURI string) (*store.Agent, float64, error) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, facilitator.NewPaymentError(facilitator.ErrCodeAgentNotFound,
				"agent not found", map[string]interface{}{"agentId": agentID})
		}
		return nil, 0, err
	}

	slash := fraudAmount / slashDivisor
	if slash > agent.StakedAmount {
		slash = agent.StakedAmount
	}
	if slash < 0 {
		slash = 0
	}

	agent.StakedAmount -= slash
	agent.SlashedAmount += slash
	agent.ReputationScore = clampScore(agent.ReputationScore - slashPenalty)

	if err := e.agents.UpdateAgent(ctx, agent); err != nil {
		return nil, 0, err
	}

	dispute := &store.Dispute{
		AgentID:     agentID,
		Type:        "fraud",
		Status:      "resolved",
		Description: "stake slashed for fraudulent activity",
		EvidenceURI: evidenceURI,
		SlashAmount: slash,
		ResolvedAt:  time.Now(),
	}
	if err := e.agents.CreateDispute(ctx, dispute); err != nil {
		e.log.WithError(err).WithField("agentId", agentID).Error("failed to record dispute")
	}

	e.log.WithFields(logrus.Fields{
		"agentId":     agentID,
		"fraudAmount": fraudAmount,
		"slashed":     slash,
		"score":       agent.ReputationScore,
	}).Warn("agent stake slashed")

	return agent, slash, nil
}

// RateService records one rating and folds it into the service's running
// average. The rater must own a transaction against the service, and a
// transaction can be rated once.
func (e *Engine) RateService(ctx context.Context, transactionID, agentID string, rating float64, comment string) (*store.Service, error) {
	tx, err := e.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, facilitator.NewPaymentError(facilitator.ErrCodeTransactionNotFound,
				"transaction not found", map[string]interface{}{"transactionId": transactionID})
		}
		return nil, err
	}
	if tx.AgentID != agentID {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeUnauthorizedRating,
			"only the paying agent can rate a transaction", nil)
	}
	if _, err := e.services.FindRatingByTransaction(ctx, transactionID); err == nil {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeAlreadyRated,
			"transaction already rated", map[string]interface{}{"transactionId": transactionID})
	}

	svc, err := e.services.GetService(ctx, tx.ServiceID)
	if err != nil {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeServiceNotFound,
			"service not found", map[string]interface{}{"serviceId": tx.ServiceID})
	}

	if err := e.services.CreateRating(ctx, &store.Rating{
		TransactionID: transactionID,
		AgentID:       agentID,
		ServiceID:     svc.ID,
		Rating:        rating,
		Comment:       comment,
	}); err != nil {
		return nil, err
	}

	// Running average over all ratings; the service score tracks it on the
	// basis-point scale (5 stars = 10000).
	totalPoints := svc.AverageRating*float64(svc.TotalRatings) + rating
	svc.TotalRatings++
	svc.AverageRating = totalPoints / float64(svc.TotalRatings)
	svc.ReputationScore = int(math.Floor(svc.AverageRating * 2000))

	if err := e.services.UpdateService(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// AgentStatistics is a read model of one agent's standing.
type AgentStatistics struct {
	AgentID                string  `json:"agentId"`
	WalletAddress          string  `json:"walletAddress"`
	ReputationScore        int     `json:"reputationScore"`
	TotalTransactions      int     `json:"totalTransactions"`
	SuccessfulTransactions int     `json:"successfulTransactions"`
	SuccessRate            float64 `json:"successRate"`
	TotalSpent             float64 `json:"totalSpent"`
	StakedAmount           float64 `json:"stakedAmount"`
	SlashedAmount          float64 `json:"slashedAmount"`
	CreditLimit            float64 `json:"creditLimit"`
}

// GetAgentStatistics returns the agent's standing.
func (e *Engine) GetAgentStatistics(ctx context.Context, agentID string) (*AgentStatistics, error) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, facilitator.NewPaymentError(facilitator.ErrCodeAgentNotFound,
				"agent not found", map[string]interface{}{"agentId": agentID})
		}
		return nil, err
	}

	stats := &AgentStatistics{
		AgentID:                agent.ID,
		WalletAddress:          agent.WalletAddress,
		ReputationScore:        agent.ReputationScore,
		TotalTransactions:      agent.TotalTransactions,
		SuccessfulTransactions: agent.SuccessfulTransactions,
		TotalSpent:             agent.TotalSpent,
		StakedAmount:           agent.StakedAmount,
		SlashedAmount:          agent.SlashedAmount,
		CreditLimit:            agent.CreditLimit,
	}
	if agent.TotalTransactions > 0 {
		stats.SuccessRate = float64(agent.SuccessfulTransactions) / float64(agent.TotalTransactions)
	}
	return stats, nil
}
