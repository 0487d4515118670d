// integrity.go — фоновая проверка целостности хранилища.
//
// Проверки:
//   - missing: у живой записи нет блоба (каждые MS_INTEGRITY_MISSING_INTERVAL)
//   - orphan: блоб без единой строки журнала, по случайной выборке
//     (каждые MS_INTEGRITY_ORPHAN_INTERVAL)
//   - full: пересчёт SHA-256 всех блобов живых записей, находит corrupt
//     и missing (каждые MS_INTEGRITY_FULL_INTERVAL, только при
//     MS_INTEGRITY_VERIFY_HASH=true)
//
// Soft-deleted записи не проверяются: их блобы удаляет очистка, а сами
// строки считаются ссылками, поэтому их блобы не попадают в orphan.
//
// Проверки публикуют результаты в буферизованный канал. Единственная
// горутина-сборщик объединяет их в отчёт и публикует снимок.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/media-sync/internal/config"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
)

// maxFindingsPerCategory — предел детализированных находок одной категории.
// Счётчики в отчёте не ограничены.
const maxFindingsPerCategory = 1000

// Prometheus метрики проверки целостности
var (
	integrityRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_integrity_runs_total",
		Help: "Общее количество проверок целостности",
	}, []string{"kind", "result"})

	integrityFindings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ms_integrity_findings",
		Help: "Количество находок последней проверки по категориям",
	}, []string{"category"})

	integrityDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ms_integrity_duration_seconds",
		Help:    "Длительность проверки целостности в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
	}, []string{"kind"})
)

var (
	// ErrScanInProgress — проверка уже выполняется.
	ErrScanInProgress = errors.New("проверка целостности уже выполняется")
	// ErrScannerStopped — сканер не запущен.
	ErrScannerStopped = errors.New("сканер целостности не запущен")
)

// FindingCategory — категория находки.
type FindingCategory string

const (
	CategoryMissing FindingCategory = "missing"
	CategoryCorrupt FindingCategory = "corrupt"
	CategoryOrphan  FindingCategory = "orphan"
)

// ParseFindingCategory разбирает категорию из строки.
func ParseFindingCategory(s string) (FindingCategory, error) {
	switch c := FindingCategory(s); c {
	case CategoryMissing, CategoryCorrupt, CategoryOrphan:
		return c, nil
	}
	return "", fmt.Errorf("неизвестная категория %q", s)
}

// ScanKind — вид проверки.
type ScanKind string

const (
	ScanMissing ScanKind = "missing"
	ScanOrphan  ScanKind = "orphan"
	ScanFull    ScanKind = "full"
)

// ParseScanKind разбирает вид проверки из строки.
func ParseScanKind(s string) (ScanKind, error) {
	switch k := ScanKind(s); k {
	case ScanMissing, ScanOrphan, ScanFull:
		return k, nil
	}
	return "", fmt.Errorf("неизвестный вид проверки %q", s)
}

// covers возвращает категории, которые проверка определяет полностью.
func (k ScanKind) covers() []FindingCategory {
	switch k {
	case ScanMissing:
		return []FindingCategory{CategoryMissing}
	case ScanFull:
		return []FindingCategory{CategoryMissing, CategoryCorrupt}
	case ScanOrphan:
		return []FindingCategory{CategoryOrphan}
	}
	return nil
}

// Finding — обнаруженная проблема. Никогда не возвращается как ошибка.
type Finding struct {
	Category   FindingCategory `json:"category"`
	MediaID    int64           `json:"mediaId,omitempty"`
	BlobHash   string          `json:"blobHash"`
	Detail     string          `json:"detail,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// Статусы отчёта.
const (
	ReportHealthy  = "healthy"
	ReportDegraded = "degraded"
	ReportError    = "error"
)

// IntegrityReport — сводка проверок целостности.
type IntegrityReport struct {
	Status     string        `json:"status"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	TotalMedia int64         `json:"totalMedia"`
	Healthy    int64         `json:"healthy"`
	Missing    int           `json:"missing"`
	Corrupt    int           `json:"corrupt"`
	Orphan     int           `json:"orphan"`
	Tombstones int64         `json:"tombstones"`
	Kinds      []ScanKind    `json:"kinds"`
	Duration   time.Duration `json:"duration"`
}

// scanOutcome — результат одной проверки для сборщика.
type scanOutcome struct {
	kinds      []ScanKind
	finishedAt time.Time
	duration   time.Duration
	totalMedia int64
	tombstones int64
	counts     map[FindingCategory]int
	findings   map[FindingCategory][]Finding
	err        error
	// done получает объединённый отчёт (nil для фоновых проверок)
	done chan *IntegrityReport
}

// integritySnapshot — опубликованное состояние сборщика. Неизменяем.
type integritySnapshot struct {
	report   IntegrityReport
	findings map[FindingCategory][]Finding
}

// IntegrityScanner — фоновая проверка целостности.
type IntegrityScanner struct {
	store      *blobstore.Store
	ledger     Ledger
	verifyHash bool
	batchSize  int
	sampleSize int
	interval   time.Duration
	intervals  map[ScanKind]time.Duration
	logger     *slog.Logger
	now        func() time.Time

	results  chan *scanOutcome
	snapshot atomic.Pointer[integritySnapshot]
	running  atomic.Bool
	started  atomic.Bool

	// lastRun — время последнего запуска по видам; только горутина тикера
	lastRun map[ScanKind]time.Time

	stopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIntegrityScanner создаёт сканер.
func NewIntegrityScanner(cfg *config.Config, store *blobstore.Store, ledger Ledger, logger *slog.Logger) *IntegrityScanner {
	batch := cfg.IntegrityBatchSize
	if batch <= 0 {
		batch = 100
	}
	s := &IntegrityScanner{
		store:      store,
		ledger:     ledger,
		verifyHash: cfg.IntegrityVerifyHash,
		batchSize:  batch,
		sampleSize: cfg.IntegrityOrphanSample,
		interval:   cfg.IntegrityScanInterval,
		intervals: map[ScanKind]time.Duration{
			ScanMissing: cfg.IntegrityMissingInterval,
			ScanOrphan:  cfg.IntegrityOrphanInterval,
			ScanFull:    cfg.IntegrityFullInterval,
		},
		logger:  logger.With(slog.String("component", "integrity")),
		now:     func() time.Time { return time.Now().UTC() },
		results: make(chan *scanOutcome, 8),
		lastRun: make(map[ScanKind]time.Time),
	}
	s.snapshot.Store(&integritySnapshot{
		report: IntegrityReport{
			Status:  ReportHealthy,
			Message: "проверка ещё не выполнялась",
			Kinds:   []ScanKind{},
		},
		findings: map[FindingCategory][]Finding{},
	})
	return s
}

// Start запускает сборщик и тикер. interval <= 0 — только ручные проверки.
func (s *IntegrityScanner) Start(ctx context.Context) {
	s.stopCtx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.wg.Add(1)
	go s.collect()

	if s.interval > 0 {
		s.wg.Add(1)
		go s.run()
	}

	s.logger.Info("Проверка целостности запущена",
		slog.String("interval", s.interval.String()),
		slog.Bool("verify_hash", s.verifyHash),
	)
}

// Stop останавливает фоновые горутины и ждёт их завершения.
func (s *IntegrityScanner) Stop() {
	if s.cancel == nil {
		return
	}
	s.started.Store(false)
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Проверка целостности остановлена")
}

// IsInProgress возвращает true, если проверка выполняется.
func (s *IntegrityScanner) IsInProgress() bool {
	return s.running.Load()
}

// LastReport возвращает последний объединённый отчёт.
func (s *IntegrityScanner) LastReport() IntegrityReport {
	r := s.snapshot.Load().report
	r.Kinds = slices.Clone(r.Kinds)
	return r
}

// Findings возвращает находки категории из последнего отчёта.
func (s *IntegrityScanner) Findings(category FindingCategory) []Finding {
	items := s.snapshot.Load().findings[category]
	if items == nil {
		return []Finding{}
	}
	return slices.Clone(items)
}

// RunOnce выполняет проверки и ждёт объединённый отчёт.
// Без kinds — missing и orphan, плюс full при включённой проверке хэшей.
func (s *IntegrityScanner) RunOnce(ctx context.Context, kinds ...ScanKind) (*IntegrityReport, error) {
	if !s.started.Load() {
		return nil, ErrScannerStopped
	}
	if len(kinds) == 0 {
		kinds = s.defaultKinds()
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	out := s.scan(ctx, kinds)
	s.running.Store(false)

	out.done = make(chan *IntegrityReport, 1)
	select {
	case s.results <- out:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopCtx.Done():
		return nil, ErrScannerStopped
	}
	select {
	case report := <-out.done:
		return report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopCtx.Done():
		return nil, ErrScannerStopped
	}
}

func (s *IntegrityScanner) defaultKinds() []ScanKind {
	if s.verifyHash {
		return []ScanKind{ScanFull, ScanOrphan}
	}
	return []ScanKind{ScanMissing, ScanOrphan}
}

// run — цикл тикера: на каждом тике запускаются виды, у которых истёк интервал.
func (s *IntegrityScanner) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCtx.Done():
			return
		case <-ticker.C:
			kinds := s.dueKinds(s.now())
			if len(kinds) == 0 {
				continue
			}
			if !s.running.CompareAndSwap(false, true) {
				s.logger.Debug("Пропуск тика: проверка уже выполняется")
				continue
			}
			out := s.scan(s.stopCtx, kinds)
			s.running.Store(false)
			for _, k := range kinds {
				s.lastRun[k] = out.finishedAt
			}
			select {
			case s.results <- out:
			case <-s.stopCtx.Done():
				return
			}
		}
	}
}

// dueKinds возвращает виды проверок, которым пора выполниться.
// full включает missing: при одновременном сроке missing не запускается.
func (s *IntegrityScanner) dueKinds(now time.Time) []ScanKind {
	due := func(k ScanKind) bool {
		last, ok := s.lastRun[k]
		return !ok || now.Sub(last) >= s.intervals[k]
	}
	var kinds []ScanKind
	if s.verifyHash && due(ScanFull) {
		kinds = append(kinds, ScanFull)
	} else if due(ScanMissing) {
		kinds = append(kinds, ScanMissing)
	}
	if due(ScanOrphan) {
		kinds = append(kinds, ScanOrphan)
	}
	return kinds
}

// collect — сборщик: единственный владелец объединённого состояния.
func (s *IntegrityScanner) collect() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCtx.Done():
			return
		case out := <-s.results:
			report := s.merge(out)
			if out.done != nil {
				out.done <- report
			}
		}
	}
}

// merge накладывает результат проверки на предыдущий снимок: категории,
// которые проверка определяет полностью, заменяются, остальные сохраняются.
func (s *IntegrityScanner) merge(out *scanOutcome) *IntegrityReport {
	prev := s.snapshot.Load()
	next := &integritySnapshot{
		report:   prev.report,
		findings: make(map[FindingCategory][]Finding, len(prev.findings)),
	}
	for c, items := range prev.findings {
		next.findings[c] = items
	}

	r := &next.report
	r.Timestamp = out.finishedAt
	r.Kinds = out.kinds
	r.Duration = out.duration

	if out.err != nil {
		r.Status = ReportError
		r.Message = out.err.Error()
		s.snapshot.Store(next)
		report := *r
		return &report
	}

	r.TotalMedia = out.totalMedia
	r.Tombstones = out.tombstones
	for _, k := range out.kinds {
		for _, c := range k.covers() {
			next.findings[c] = out.findings[c]
			switch c {
			case CategoryMissing:
				r.Missing = out.counts[c]
			case CategoryCorrupt:
				r.Corrupt = out.counts[c]
			case CategoryOrphan:
				r.Orphan = out.counts[c]
			}
		}
	}
	r.Healthy = max(r.TotalMedia-int64(r.Missing)-int64(r.Corrupt), 0)

	if r.Missing+r.Corrupt+r.Orphan == 0 {
		r.Status = ReportHealthy
		r.Message = "нарушений не обнаружено"
	} else {
		r.Status = ReportDegraded
		r.Message = fmt.Sprintf("обнаружены нарушения: missing=%d, corrupt=%d, orphan=%d", r.Missing, r.Corrupt, r.Orphan)
	}

	integrityFindings.WithLabelValues(string(CategoryMissing)).Set(float64(r.Missing))
	integrityFindings.WithLabelValues(string(CategoryCorrupt)).Set(float64(r.Corrupt))
	integrityFindings.WithLabelValues(string(CategoryOrphan)).Set(float64(r.Orphan))

	s.snapshot.Store(next)
	report := *r
	report.Kinds = slices.Clone(r.Kinds)
	return &report
}

// scan выполняет проверки последовательно.
func (s *IntegrityScanner) scan(ctx context.Context, kinds []ScanKind) *scanOutcome {
	start := time.Now()
	out := &scanOutcome{
		kinds:    kinds,
		counts:   make(map[FindingCategory]int),
		findings: make(map[FindingCategory][]Finding),
	}
	add := func(f Finding) {
		out.counts[f.Category]++
		if len(out.findings[f.Category]) < maxFindingsPerCategory {
			out.findings[f.Category] = append(out.findings[f.Category], f)
		}
	}

	for _, k := range kinds {
		kindStart := time.Now()
		var err error
		switch k {
		case ScanMissing:
			err = s.scanLive(ctx, false, add)
		case ScanFull:
			err = s.scanLive(ctx, true, add)
		case ScanOrphan:
			err = s.scanOrphans(ctx, add)
		}
		integrityDurationSeconds.WithLabelValues(string(k)).Observe(time.Since(kindStart).Seconds())
		if err != nil {
			integrityRunsTotal.WithLabelValues(string(k), "error").Inc()
			s.logger.Error("Ошибка проверки целостности",
				slog.String("kind", string(k)),
				slog.String("error", err.Error()),
			)
			out.err = fmt.Errorf("проверка %s: %w", k, err)
			break
		}
		integrityRunsTotal.WithLabelValues(string(k), "success").Inc()
	}

	if out.err == nil {
		var err error
		if out.totalMedia, err = s.ledger.CountLive(ctx); err == nil {
			out.tombstones, err = s.ledger.CountSoftDeleted(ctx)
		}
		if err != nil {
			out.err = fmt.Errorf("подсчёт записей: %w", err)
		}
	}

	out.finishedAt = s.now()
	out.duration = time.Since(start)

	s.logger.Info("Проверка целостности завершена",
		slog.Any("kinds", kinds),
		slog.Int64("total_media", out.totalMedia),
		slog.Int("missing", out.counts[CategoryMissing]),
		slog.Int("corrupt", out.counts[CategoryCorrupt]),
		slog.Int("orphan", out.counts[CategoryOrphan]),
		slog.Int64("tombstones", out.tombstones),
		slog.Duration("duration", out.duration),
	)
	return out
}

// scanLive обходит живые записи пачками. verify — пересчёт хэша.
func (s *IntegrityScanner) scanLive(ctx context.Context, verify bool, add func(Finding)) error {
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.ledger.ListLiveMedia(ctx, after, s.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, rec := range batch {
			after = rec.ID

			var (
				category FindingCategory
				detail   string
			)
			if verify {
				ok, actual, err := s.store.Verify(rec.ContentHash)
				switch {
				case errors.Is(err, blobstore.ErrBlobNotFound):
					category = CategoryMissing
				case err != nil:
					return err
				case !ok:
					category = CategoryCorrupt
					detail = "фактический хэш " + actual
				}
			} else {
				exists, err := s.store.Exists(rec.ContentHash)
				if err != nil {
					return err
				}
				if !exists {
					category = CategoryMissing
				}
			}
			if category == "" {
				continue
			}

			// Запись могла быть удалена и очищена после выборки пачки
			cur, err := s.ledger.GetMedia(ctx, rec.ID)
			if isNotFound(err) || (err == nil && cur.IsDeleted()) {
				continue
			}
			if err != nil {
				return err
			}
			add(Finding{
				Category:   category,
				MediaID:    rec.ID,
				BlobHash:   rec.ContentHash,
				Detail:     detail,
				DetectedAt: s.now(),
			})
		}
		if len(batch) < s.batchSize {
			return nil
		}
	}
}

// scanOrphans проверяет случайную выборку блобов на наличие ссылок.
// Подсчёт ссылок — под LockHash, чтобы не принять за orphan блоб,
// финализация которого ещё не записана в журнал.
func (s *IntegrityScanner) scanOrphans(ctx context.Context, add func(Finding)) error {
	sample, total, err := s.store.SampleHashes(s.sampleSize)
	if err != nil {
		return err
	}
	for _, hash := range sample {
		if err := ctx.Err(); err != nil {
			return err
		}
		orphan, err := s.isOrphan(ctx, hash)
		if err != nil {
			return err
		}
		if orphan {
			add(Finding{
				Category:   CategoryOrphan,
				BlobHash:   hash,
				Detail:     fmt.Sprintf("выборка %d из %d блобов", len(sample), total),
				DetectedAt: s.now(),
			})
		}
	}
	return nil
}

func (s *IntegrityScanner) isOrphan(ctx context.Context, hash string) (bool, error) {
	unlock := s.store.LockHash(hash)
	defer unlock()

	exists, err := s.store.Exists(hash)
	if err != nil || !exists {
		return false, err
	}
	refs, err := s.ledger.CountByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	return refs == 0, nil
}
