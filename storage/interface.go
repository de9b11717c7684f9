package storage

import (
	"context"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

// Store defines the persistence backend for the copy-trading core. Unique
// constraints on dedupe keys are the correctness anchor for ingestion and are
// enforced by the backing database, not merely checked here.
type Store interface {
	Close() error

	// Leader registry
	CreateLeader(ctx context.Context, leader models.Leader) (*models.Leader, error)
	UpdateLeader(ctx context.Context, leader models.Leader) error
	DeleteLeader(ctx context.Context, wallet string) error
	GetLeader(ctx context.Context, wallet string) (*models.Leader, error)
	ListLeaders(ctx context.Context, enabledOnly bool) ([]models.Leader, error)
	UpdateLeaderCursor(ctx context.Context, wallet string, cursor time.Time) error

	// Unified fill registry. InsertFill is a conditional insert: a second
	// write with the same dedupe key reports inserted=false with no side
	// effects.
	InsertFill(ctx context.Context, fill models.LeaderFill) (int64, bool, error)
	GetFillByDedupeKey(ctx context.Context, key string) (*models.LeaderFill, error)
	HasAPIFillForTx(ctx context.Context, wallet, txHash string) (bool, error)
	ListFills(ctx context.Context, wallet string, limit int) ([]models.LeaderFill, error)

	// Detection latency observability
	InsertLatencyEvent(ctx context.Context, ev models.LatencyEvent) error
	ListLatencyEvents(ctx context.Context, dedupeKey string) ([]models.LatencyEvent, error)

	// Market mapping write-through index
	SaveMarketMapping(ctx context.Context, m models.MarketMapping) error
	GetMarketMapping(ctx context.Context, conditionID, outcome string) (*models.MarketMapping, error)
	GetMappingByToken(ctx context.Context, tokenID string) (*models.MarketMapping, error)

	// Quote snapshots
	SaveQuote(ctx context.Context, q models.Quote) error
	LatestQuote(ctx context.Context, marketKey string) (*models.Quote, error)

	// Leader-side ledger
	GetLeaderPosition(ctx context.Context, wallet, conditionID, outcome string) (models.LeaderPosition, error)
	SaveLeaderPosition(ctx context.Context, pos models.LeaderPosition) error

	// Intents
	InsertIntent(ctx context.Context, intent models.PaperIntent) (int64, error)
	GetIntentByDedupeKey(ctx context.Context, key string) (*models.PaperIntent, error)
	ListIntents(ctx context.Context, limit int) ([]models.PaperIntent, error)

	// Own-side ledger
	GetPaperPosition(ctx context.Context, conditionID, outcome string) (models.PaperPosition, error)
	SavePaperPosition(ctx context.Context, pos models.PaperPosition) error
	ListOpenPaperPositions(ctx context.Context) ([]models.PaperPosition, error)
	CountOpenPaperPositions(ctx context.Context) (int, error)

	// Execution attempts and fills
	InsertAttempt(ctx context.Context, a models.ExecutionAttempt) error
	UpdateAttempt(ctx context.Context, a models.ExecutionAttempt) error
	GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error)
	ListAttempts(ctx context.Context, limit int) ([]models.ExecutionAttempt, error)
	InsertExecutionFill(ctx context.Context, f models.ExecutionFill) error
	ListExecutionFills(ctx context.Context, attemptID string) ([]models.ExecutionFill, error)

	// Realized P&L records, append-only
	InsertResolution(ctx context.Context, r models.Resolution) (int64, error)
	ListResolutions(ctx context.Context, conditionID string) ([]models.Resolution, error)

	// Persisted risk counters, reset at day boundaries
	GetRiskState(ctx context.Context, day string) (*models.RiskState, error)
	SaveRiskState(ctx context.Context, rs models.RiskState) error

	// Single-flight lease for the chain watcher
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, owner string) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
	GetLease(ctx context.Context, name string) (*models.Lease, error)

	// Wipes paper intents, attempts, positions, and resolutions. Leaders,
	// fills, and cursors survive.
	ResetPaperState(ctx context.Context) error
}
