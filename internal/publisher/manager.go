package publisher

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/autonomys/auto-drive-sub003/internal/ledger"
	"github.com/autonomys/auto-drive-sub003/internal/models"
	"github.com/autonomys/auto-drive-sub003/pkg/blockstore"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 10 * time.Second
	defaultQueueSize  = 1024
)

// NodeSource resolves a cid to its stored record regardless of upload.
type NodeSource interface {
	Lookup(ctx context.Context, c cid.Cid) (blockstore.Record, error)
}

type ManagerConfig struct {
	// MaxRetries is the total attempt budget per node.
	MaxRetries int
	// RetryDelay is the pause before a failed subset is republished.
	RetryDelay time.Duration
	QueueSize  int
	Logger     *logrus.Logger
}

// Manager is the transaction manager: it turns sets of node cids into
// ledger remark transactions. Publishing is fire-and-forget from the
// caller's point of view; durable state lives in publish records, so a
// restart re-derives what is already confirmed.
type Manager struct {
	db     *gorm.DB
	pool   *AccountPool
	client ledger.Client
	nodes  NodeSource
	cfg    ManagerConfig
	tasks  chan task
	log    *logrus.Logger
}

type task struct {
	cids        []cid.Cid
	retriesLeft int
	attempt     int
}

func NewManager(db *gorm.DB, pool *AccountPool, client ledger.Client, nodes NodeSource, cfg ManagerConfig) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		db:     db,
		pool:   pool,
		client: client,
		nodes:  nodes,
		cfg:    cfg,
		tasks:  make(chan task, cfg.QueueSize),
		log:    cfg.Logger,
	}
}

// PublishNodes schedules the given nodes for publication. Never blocks
// the caller beyond queue admission; results land in publish records.
func (m *Manager) PublishNodes(cids []cid.Cid) {
	if len(cids) == 0 {
		return
	}
	m.tasks <- task{cids: cids, retriesLeft: m.cfg.MaxRetries, attempt: 1}
}

// Run consumes the task queue until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.tasks:
			m.safeProcess(ctx, t)
		}
	}
}

// safeProcess keeps a panic anywhere in the publish path from taking
// the process down; the affected subset simply stays unpublished until
// the next publish request covers it.
func (m *Manager) safeProcess(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("publish task panicked")
		}
	}()
	m.process(ctx, t)
}

func (m *Manager) process(ctx context.Context, t task) {
	pending, err := m.filterConfirmed(t.cids)
	if err != nil {
		m.log.WithError(err).Error("querying publish records")
		m.scheduleRetry(ctx, t.cids, t)
		return
	}
	if len(pending) == 0 {
		return
	}

	var failed []cid.Cid
	var failErr string
	var txs []ledger.Signed
	var leases []*Lease
	var txCids []cid.Cid

	for _, c := range pending {
		rec, err := m.nodes.Lookup(ctx, c)
		if err != nil {
			m.log.WithError(err).WithField("cid", c.Short()).Warn("node not resolvable for publish")
			failed = append(failed, c)
			failErr = err.Error()
			continue
		}

		lease, err := m.pool.Acquire(ctx)
		if err != nil {
			m.log.WithError(err).Warn("no account available for publish")
			failed = append(failed, c)
			failErr = err.Error()
			continue
		}

		leases = append(leases, lease)
		txCids = append(txCids, c)
		txs = append(txs, ledger.Signed{
			Account: lease.Account,
			Nonce:   lease.Nonce,
			Call:    ledger.RemarkCall(rec.Encoded),
		})
	}

	if len(txs) > 0 {
		results, err := m.client.SubmitBatch(ctx, txs)
		if err != nil {
			// Submission I/O errors and on-chain rejections feed the
			// same retry path.
			m.log.WithError(err).Warn("batch submission failed")
			for i, lease := range leases {
				lease.Release(false)
				m.recordFailure(txCids[i], err.Error())
				failed = append(failed, txCids[i])
			}
			failErr = err.Error()
		} else {
			staleNonce := false
			for i, res := range results {
				if res.Ok {
					leases[i].Release(true)
					m.recordSuccess(txCids[i], res)
					continue
				}
				leases[i].Release(false)
				m.recordFailure(txCids[i], res.Error)
				failed = append(failed, txCids[i])
				failErr = res.Error
				if isNonceError(res.Error) {
					staleNonce = true
				}
			}
			if staleNonce {
				m.pool.Reinitialize()
			}
		}
	}

	if len(failed) == 0 {
		return
	}

	if t.retriesLeft <= 1 {
		m.deadLetter(failed, t.attempt, failErr)
		return
	}
	m.scheduleRetry(ctx, failed, t)
}

func (m *Manager) scheduleRetry(ctx context.Context, cids []cid.Cid, prev task) {
	next := task{cids: cids, retriesLeft: prev.retriesLeft - 1, attempt: prev.attempt + 1}
	time.AfterFunc(m.cfg.RetryDelay, func() {
		select {
		case m.tasks <- next:
		case <-ctx.Done():
		}
	})
}

func (m *Manager) filterConfirmed(cids []cid.Cid) ([]cid.Cid, error) {
	strs := make([]string, len(cids))
	for i, c := range cids {
		strs[i] = c.String()
	}

	var confirmed []string
	err := m.db.Model(&models.PublishRecord{}).
		Where("cid IN ? AND success = ?", strs, true).
		Distinct("cid").
		Pluck("cid", &confirmed).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(confirmed))
	for _, s := range confirmed {
		seen[s] = true
	}

	var pending []cid.Cid
	for _, c := range cids {
		if !seen[c.String()] {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

func (m *Manager) recordSuccess(c cid.Cid, res ledger.SubmitResult) {
	rec := models.PublishRecord{
		Cid:         c.String(),
		Success:     true,
		TxHash:      &res.TxHash,
		BlockHash:   &res.BlockHash,
		BlockNumber: &res.BlockNumber,
	}
	if err := m.db.Create(&rec).Error; err != nil {
		m.log.WithError(err).WithField("cid", c.Short()).Error("recording publish success")
	}
}

func (m *Manager) recordFailure(c cid.Cid, reason string) {
	rec := models.PublishRecord{
		Cid:         c.String(),
		Success:     false,
		ErrorReason: &reason,
	}
	if err := m.db.Create(&rec).Error; err != nil {
		m.log.WithError(err).WithField("cid", c.Short()).Error("recording publish failure")
	}
}

func (m *Manager) deadLetter(cids []cid.Cid, attempts int, lastErr string) {
	for _, c := range cids {
		row := models.DeadLetter{Cid: c.String(), Attempts: attempts, LastError: lastErr}
		if err := m.db.Create(&row).Error; err != nil {
			m.log.WithError(err).WithField("cid", c.Short()).Error("recording dead letter")
		}
		m.log.WithFields(logrus.Fields{
			"cid":      c.Short(),
			"attempts": attempts,
		}).Error("node publish dead-lettered")
	}
}

func isNonceError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "nonce") || strings.Contains(lower, "stale")
}
