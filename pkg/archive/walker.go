package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Limits bounds a single top-level archive walk.
type Limits struct {
	// MaxTabular caps tabular members processed at the top level.
	MaxTabular int
	// MaxNested caps nested archives expanded at the top level.
	MaxNested int
	// NestedEntryLimit caps tabular members processed inside each nested archive.
	NestedEntryLimit int
	// Timeout is the wall-clock budget for the whole top-level archive.
	Timeout time.Duration
	// MaxDepth is how many levels of nested archives are expanded.
	MaxDepth int
	// MaxMemberBytes caps the decompressed size of any single member; zero disables it.
	MaxMemberBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxTabular:       300,
		MaxNested:        50,
		NestedEntryLimit: 100,
		Timeout:          60 * time.Second,
		MaxDepth:         1,
		MaxMemberBytes:   64 << 20,
	}
}

// Entry is a tabular member handed to the visitor.
type Entry struct {
	Name  string
	Path  string
	Depth int
	Data  []byte
}

// Report aggregates what happened during a walk.
type Report struct {
	Archive        string        `json:"archive"`
	Processed      int           `json:"processed"`
	SkippedTabular int           `json:"skipped_tabular"`
	SkippedNested  int           `json:"skipped_nested"`
	SkippedTimeout int           `json:"skipped_timeout"`
	Failed         int           `json:"failed"`
	TimedOut       bool          `json:"timed_out"`
	Elapsed        time.Duration `json:"elapsed"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Skipped is the total of members not processed because of a ceiling or the time budget.
func (r Report) Skipped() int {
	return r.SkippedTabular + r.SkippedNested + r.SkippedTimeout
}

type Option func(*Walker)

func WithOpener(o Opener) Option { return func(w *Walker) { w.opener = o } }

func WithLogger(l *zap.Logger) Option { return func(w *Walker) { w.logger = l } }

// WithClock replaces time.Now, used for deadline checks between members.
func WithClock(now func() time.Time) Option { return func(w *Walker) { w.now = now } }

// Walker visits archive members sequentially so the time budget can be checked between them.
type Walker struct {
	opener Opener
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

func NewWalker(limits Limits, opts ...Option) *Walker {
	w := &Walker{
		opener: ZipOpener{},
		limits: limits,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Walker) Limits() Limits { return w.limits }

var errBudgetExceeded = errors.New("time budget exceeded")

type walk struct {
	ctx      context.Context
	classify Classifier
	visit    func(Entry)
	deadline time.Time
	report   *Report
}

// Walk opens the archive and calls visit for every tabular member it is allowed to process.
// Ceiling, timeout and per-member failures are reported, not returned. An error is returned
// only when the top-level bytes are not an archive or ctx is done.
func (w *Walker) Walk(ctx context.Context, name string, data []byte, classify Classifier, visit func(Entry)) (Report, error) {
	start := w.now()
	report := Report{Archive: name}

	members, err := w.opener.Open(data)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", name, err)
	}

	st := &walk{
		ctx:      ctx,
		classify: classify,
		visit:    visit,
		report:   &report,
	}
	if w.limits.Timeout > 0 {
		st.deadline = start.Add(w.limits.Timeout)
	}

	err = w.walkLevel(st, name, members, 0, w.limits.MaxTabular, w.limits.MaxNested)
	report.Elapsed = w.now().Sub(start)
	if errors.Is(err, errBudgetExceeded) {
		report.TimedOut = true
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"archive %s: time budget of %s exceeded, %d remaining members skipped",
			name, w.limits.Timeout, report.SkippedTimeout))
		w.logger.Warn("Archive walk timed out",
			zap.String("archive", name),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.SkippedTimeout))
		err = nil
	}
	if err != nil {
		return report, err
	}

	w.logger.Debug("Archive walked",
		zap.String("archive", name),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped()),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (w *Walker) walkLevel(st *walk, path string, members []Member, depth, maxTabular, maxNested int) error {
	var tabularSeen, tabularSkipped, nestedSeen, nestedSkipped int
	defer func() {
		if tabularSkipped > 0 {
			st.report.Warnings = append(st.report.Warnings, fmt.Sprintf(
				"archive %s: processed %d tabular files, %d over the limit of %d skipped",
				path, tabularSeen, tabularSkipped, maxTabular))
		}
		if nestedSkipped > 0 {
			st.report.Warnings = append(st.report.Warnings, fmt.Sprintf(
				"archive %s: %d nested archives not expanded (limit %d, max depth %d)",
				path, nestedSkipped, maxNested, w.limits.MaxDepth))
		}
	}()

	for i, m := range members {
		if err := st.ctx.Err(); err != nil {
			return err
		}
		if m.IsDir {
			continue
		}
		kind := st.classify(m.Name)
		if kind == KindIgnored {
			continue
		}
		if w.expired(st.deadline) {
			st.report.SkippedTimeout += countPending(members[i:], st.classify)
			return errBudgetExceeded
		}

		switch kind {
		case KindTabular:
			if tabularSeen >= maxTabular {
				tabularSkipped++
				st.report.SkippedTabular++
				continue
			}
			tabularSeen++
			data, err := readMember(m, w.limits.MaxMemberBytes)
			if err != nil {
				w.memberFailed(st, path, m.Name, err)
				continue
			}
			st.visit(Entry{Name: m.Name, Path: path + "/" + m.Name, Depth: depth, Data: data})
			st.report.Processed++

		case KindArchive:
			if depth >= w.limits.MaxDepth || nestedSeen >= maxNested {
				nestedSkipped++
				st.report.SkippedNested++
				continue
			}
			nestedSeen++
			data, err := readMember(m, w.limits.MaxMemberBytes)
			if err != nil {
				w.memberFailed(st, path, m.Name, err)
				continue
			}
			inner, err := w.opener.Open(data)
			if err != nil {
				w.memberFailed(st, path, m.Name, err)
				continue
			}
			err = w.walkLevel(st, path+"/"+m.Name, inner, depth+1, w.limits.NestedEntryLimit, 0)
			if errors.Is(err, errBudgetExceeded) {
				st.report.SkippedTimeout += countPending(members[i+1:], st.classify)
				return err
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Walker) expired(deadline time.Time) bool {
	return !deadline.IsZero() && w.now().After(deadline)
}

func (w *Walker) memberFailed(st *walk, path, name string, err error) {
	st.report.Failed++
	st.report.Warnings = append(st.report.Warnings, fmt.Sprintf("archive %s: member %s unreadable: %v", path, name, err))
	w.logger.Warn("Archive member unreadable",
		zap.String("archive", path),
		zap.String("member", name),
		zap.Error(err))
}

func countPending(members []Member, classify Classifier) int {
	n := 0
	for _, m := range members {
		if !m.IsDir && classify(m.Name) != KindIgnored {
			n++
		}
	}
	return n
}

// readMember decompresses at most limit bytes and rejects a member that would go past it.
func readMember(m Member, limit int64) ([]byte, error) {
	rc, err := m.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if limit <= 0 {
		return io.ReadAll(rc)
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", limit)
	}
	return data, nil
}
