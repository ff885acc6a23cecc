package correction

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

const (
	// verdictMinSample is the smallest treated window (posted tasks) the
	// analyzer will pass judgment on.
	verdictMinSample = 10

	// verdictWindow bounds the rolling verdict history feeding the safe-mode
	// trip.
	verdictWindow = 7 * 24 * time.Hour

	// baselineTolerance: a control zone qualifies when its baseline metrics
	// sit within ±10% of the treated zone's.
	baselineTolerance = 0.10
)

// Analyzer renders causal verdicts on applied corrections after a fixed
// post-window, and trips safe-mode when the rolling non-causal rate says the
// engine is mostly generating noise.
type Analyzer struct {
	store        store.TxStore
	metrics      *Metrics
	logger       *log.Logger
	interval     time.Duration
	postWindow   time.Duration
	safeModeRate float64
	minSample    int

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAnalyzer(s store.TxStore, interval, postWindow time.Duration, safeModeRate float64, minSample int) *Analyzer {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if postWindow <= 0 {
		postWindow = 48 * time.Hour
	}
	if safeModeRate <= 0 {
		safeModeRate = 0.6
	}
	if minSample <= 0 {
		minSample = 10
	}
	return &Analyzer{
		store:        s,
		metrics:      NewMetrics(),
		logger:       log.New(os.Stdout, "[CORRECTION] ", log.LstdFlags),
		interval:     interval,
		postWindow:   postWindow,
		safeModeRate: safeModeRate,
		minSample:    minSample,
		stopCh:       make(chan struct{}),
	}
}

func (a *Analyzer) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Printf("causal analyzer started (every %s, post-window %s)", a.interval, a.postWindow)
}

func (a *Analyzer) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Analyzer) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := a.AnalyzeOnce(ctx); err != nil {
				a.logger.Printf("⚠️ analyzer pass finished with errors: %v", err)
			}
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// AnalyzeOnce judges every correction whose post-window has fully elapsed,
// then re-evaluates the safe-mode trip against the rolling verdict history.
func (a *Analyzer) AnalyzeOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	pending, err := a.store.ListCorrectionsAwaitingVerdict(ctx, now.Add(-a.postWindow), 100)
	if err != nil {
		return 0, err
	}
	judged := 0
	var firstErr error
	for i := range pending {
		c := pending[i]
		verdict, err := a.judge(ctx, &c)
		if err != nil {
			a.logger.Printf("⚠️ verdict failed for correction %s: %v", c.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		err = a.store.WithTx(ctx, func(tx store.Store) error {
			cur, err := tx.GetCorrection(ctx, c.ID)
			if err != nil {
				return err
			}
			if cur.Verdict != nil {
				return nil
			}
			at := time.Now().UTC()
			cur.Verdict = &verdict
			cur.VerdictAt = &at
			return tx.UpdateCorrection(ctx, cur)
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a.metrics.Verdicts.WithLabelValues(string(verdict)).Inc()
		a.logger.Printf("verdict %s for %s correction %s (zone=%s)", verdict, c.Type, c.ID, c.ZoneID)
		judged++
	}
	if err := a.maybeTripSafeMode(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return judged, firstErr
}

type deltas struct {
	fill       float64
	completion float64
	dispute    float64
}

// judge compares the treated zone's before/after windows against a matched
// control zone that received no similar correction. The verdict is
// deterministic: positive net lift on at least two core metrics reads as
// CAUSAL, a control that kept pace reads as NON_CAUSAL, and thin samples or a
// missing control read as INCONCLUSIVE.
func (a *Analyzer) judge(ctx context.Context, c *domain.Correction) (domain.CausalVerdict, error) {
	if c.ZoneID == "" || c.Category == "" {
		return domain.VerdictInconclusive, nil
	}
	beforeStart := c.AppliedAt.Add(-a.postWindow)
	treatedBefore, err := a.metricsFor(ctx, c.ZoneID, c.Category, beforeStart, c.AppliedAt)
	if err != nil {
		return "", err
	}
	treatedAfter, err := a.metricsFor(ctx, c.ZoneID, c.Category, c.AppliedAt, c.AppliedAt.Add(a.postWindow))
	if err != nil {
		return "", err
	}
	if treatedAfter.SampleSize < verdictMinSample {
		return domain.VerdictInconclusive, nil
	}

	controlBefore, controlAfter, err := a.matchControl(ctx, c, treatedBefore)
	if err != nil {
		return "", err
	}
	if controlBefore == nil {
		return domain.VerdictInconclusive, nil
	}

	dt := delta(treatedBefore, treatedAfter)
	dc := delta(controlBefore, controlAfter)

	// Net lift per core metric; a dispute-rate decline counts as lift.
	lifts := []float64{
		dt.fill - dc.fill,
		dt.completion - dc.completion,
		dc.dispute - dt.dispute,
	}
	positives := 0
	for _, l := range lifts {
		if l > 1e-9 {
			positives++
		}
	}
	if positives >= 2 {
		return domain.VerdictCausal, nil
	}
	return domain.VerdictNonCausal, nil
}

// matchControl finds a zone serving the same category whose baseline sits
// within ±10% of the treated zone's and which received no same-type
// correction across the whole observation span.
func (a *Analyzer) matchControl(ctx context.Context, c *domain.Correction, treatedBefore *domain.ZoneMetrics) (*domain.ZoneMetrics, *domain.ZoneMetrics, error) {
	beforeStart := c.AppliedAt.Add(-a.postWindow)
	afterEnd := c.AppliedAt.Add(a.postWindow)

	similar, err := a.store.ListCorrectionsApplied(ctx, c.Type, beforeStart, afterEnd)
	if err != nil {
		return nil, nil, err
	}
	corrected := make(map[string]bool, len(similar))
	for _, sc := range similar {
		if sc.ZoneID != "" {
			corrected[sc.ZoneID] = true
		}
	}

	zones, err := a.candidateZones(ctx, c.Category)
	if err != nil {
		return nil, nil, err
	}
	for _, zone := range zones {
		if zone == c.ZoneID || corrected[zone] {
			continue
		}
		cb, err := a.metricsFor(ctx, zone, c.Category, beforeStart, c.AppliedAt)
		if err != nil {
			return nil, nil, err
		}
		if cb.SampleSize < verdictMinSample || !similarBaseline(treatedBefore, cb) {
			continue
		}
		ca, err := a.metricsFor(ctx, zone, c.Category, c.AppliedAt, afterEnd)
		if err != nil {
			return nil, nil, err
		}
		return cb, ca, nil
	}
	return nil, nil, nil
}

// candidateZones lists every zone that hosts the category, via the capacity
// registry.
func (a *Analyzer) candidateZones(ctx context.Context, category string) ([]string, error) {
	caps, err := a.store.ListCapacities(ctx)
	if err != nil {
		return nil, err
	}
	categories := make(map[string]string) // expertise id → category
	seen := make(map[string]bool)
	var zones []string
	for _, zc := range caps {
		cat, ok := categories[zc.ExpertiseID]
		if !ok {
			exp, err := a.store.GetExpertise(ctx, zc.ExpertiseID)
			if err != nil {
				if domain.IsCode(err, domain.CodeNotFound) {
					continue
				}
				return nil, err
			}
			cat = exp.Category
			categories[zc.ExpertiseID] = cat
		}
		if cat == category && !seen[zc.ZoneID] {
			seen[zc.ZoneID] = true
			zones = append(zones, zc.ZoneID)
		}
	}
	return zones, nil
}

// metricsFor returns the observation window for (zone, category, start, end),
// computing it from raw task stats and persisting it on first use. Windows
// are keyed by their exact bounds, so every re-judgment of the same
// correction reads identical numbers.
func (a *Analyzer) metricsFor(ctx context.Context, zoneID, category string, start, end time.Time) (*domain.ZoneMetrics, error) {
	zm, err := a.store.GetZoneMetrics(ctx, zoneID, category, start, end)
	if err == nil {
		return zm, nil
	}
	if !domain.IsCode(err, domain.CodeNotFound) {
		return nil, err
	}
	st, err := a.store.ZoneTaskStats(ctx, zoneID, category, start, end)
	if err != nil {
		return nil, err
	}
	zm = &domain.ZoneMetrics{
		ZoneID:      zoneID,
		Category:    category,
		WindowStart: start,
		WindowEnd:   end,
		FillRate:    ratio(st.Accepted, st.Posted),
		Completion:  ratio(st.Completed, st.Accepted),
		DisputeRate: ratio(st.Disputed, st.Completed),
		SampleSize:  st.Posted,
	}
	if err := a.store.InsertZoneMetrics(ctx, zm); err != nil {
		return nil, err
	}
	return zm, nil
}

// maybeTripSafeMode flips safe-mode on when, over the rolling window, enough
// decided verdicts exist and too many of them are non-causal. Inconclusive
// verdicts carry no signal and are excluded from the rate.
func (a *Analyzer) maybeTripSafeMode(ctx context.Context) error {
	safe, err := a.store.GetSafeMode(ctx)
	if err != nil || safe {
		return err
	}
	verdicts, err := a.store.ListRecentVerdicts(ctx, time.Now().UTC().Add(-verdictWindow))
	if err != nil {
		return err
	}
	var causal, nonCausal int
	for _, v := range verdicts {
		switch v {
		case domain.VerdictCausal:
			causal++
		case domain.VerdictNonCausal:
			nonCausal++
		}
	}
	decided := causal + nonCausal
	if decided < a.minSample {
		return nil
	}
	rate := float64(nonCausal) / float64(decided)
	if rate < a.safeModeRate {
		return nil
	}
	reason := fmt.Sprintf("non-causal rate %.2f over %d decided verdicts", rate, decided)
	if err := a.store.SetSafeMode(ctx, true, reason); err != nil {
		return err
	}
	a.metrics.SafeMode.Set(1)
	a.metrics.SafeModeTrips.Inc()
	a.logger.Printf("🛑 safe mode tripped: %s", reason)
	return nil
}

func delta(before, after *domain.ZoneMetrics) deltas {
	return deltas{
		fill:       after.FillRate - before.FillRate,
		completion: after.Completion - before.Completion,
		dispute:    after.DisputeRate - before.DisputeRate,
	}
}

// similarBaseline compares fill and completion within ±10% relative, with a
// small absolute floor so two near-zero baselines still match.
func similarBaseline(treated, control *domain.ZoneMetrics) bool {
	return within(treated.FillRate, control.FillRate) && within(treated.Completion, control.Completion)
}

func within(t, c float64) bool {
	diff := t - c
	if diff < 0 {
		diff = -diff
	}
	if t == 0 {
		return diff <= 0.02
	}
	bound := t * baselineTolerance
	if bound < 0 {
		bound = -bound
	}
	if bound < 0.02 {
		bound = 0.02
	}
	return diff <= bound
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
