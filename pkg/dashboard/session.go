// Package dashboard computes the churn analytics views served by the
// dashboard and rendered into exported reports.
package dashboard

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/churnctl/pkg/artifact"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/risk"
)

// Model is a deployed bundle used to add churn probabilities to the views.
type Model struct {
	Bundle  *artifact.Bundle
	Version string
}

// LoadModel reads the current release under serveDir.
func LoadModel(serveDir string) (*Model, error) {
	v, err := artifact.Current(serveDir)
	if err != nil {
		return nil, err
	}
	b, err := artifact.Load(artifact.CurrentDir(serveDir))
	if err != nil {
		return nil, err
	}
	return &Model{Bundle: b, Version: v.Timestamp}, nil
}

// Filter narrows the customers of a session. An empty list matches everything.
type Filter struct {
	Gender   []string `json:"gender,omitempty" yaml:"gender,omitempty"`
	Contract []string `json:"contract,omitempty" yaml:"contract,omitempty"`
	Payment  []string `json:"payment,omitempty" yaml:"payment,omitempty"`
}

func (f Filter) key() string {
	parts := make([]string, 0, 3)
	for _, v := range [][]string{f.Gender, f.Contract, f.Payment} {
		c := slices.Clone(v)
		slices.Sort(c)
		parts = append(parts, strings.Join(c, ","))
	}
	return strings.Join(parts, "|")
}

func (f Filter) match(c dataset.Customer) bool {
	return matchAny(f.Gender, c.Gender) &&
		matchAny(f.Contract, c.Contract) &&
		matchAny(f.Payment, c.PaymentMethod)
}

func matchAny(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// Options are the distinct filter values present in a session.
type Options struct {
	Gender   []string `json:"gender" yaml:"gender"`
	Contract []string `json:"contract" yaml:"contract"`
	Payment  []string `json:"payment" yaml:"payment"`
}

// Session holds one loaded dataset and the optional model for the lifetime
// of a dashboard session. The data is never modified; computed analyses are
// cached per filter.
type Session struct {
	ID       string              `json:"id" yaml:"id"`
	Source   string              `json:"source" yaml:"source"`
	LoadedAt time.Time           `json:"loaded_at" yaml:"loadedAt"`
	Load     *dataset.LoadResult `json:"load" yaml:"load"`

	frame     *dataset.Frame
	customers []dataset.Customer
	model     *Model

	mu    sync.RWMutex
	cache map[string]*Analysis
}

// NewSession cleans f and prepares it for analysis. m may be nil.
func NewSession(source string, f *dataset.Frame, m *Model) (*Session, error) {
	res, err := dataset.Clean(f)
	if err != nil {
		return nil, err
	}
	res.Source = source

	customers, err := dataset.Customers(res.Frame)
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, errs.Errorf(errs.KindDataLoad, "new session", "no usable rows in %s", source)
	}

	return &Session{
		ID:        uuid.NewString(),
		Source:    source,
		LoadedAt:  time.Now().UTC(),
		Load:      res,
		frame:     res.Frame,
		customers: customers,
		model:     m,
		cache:     make(map[string]*Analysis),
	}, nil
}

// Open reads the dataset at path and, when serveDir holds a deployed
// release, loads it as the session model.
func Open(path, serveDir string) (*Session, error) {
	f, err := dataset.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m *Model
	if serveDir != "" {
		if m, err = LoadModel(serveDir); err != nil {
			slog.Default().WithGroup("dashboard").Warn("no deployed model, probabilities disabled", "error", err)
			m = nil
		}
	}
	return NewSession(path, f, m)
}

// Len returns the number of customers in the session.
func (s *Session) Len() int {
	return len(s.customers)
}

// ModelVersion returns the timestamp of the session model or empty string.
func (s *Session) ModelVersion() string {
	if s.model == nil {
		return ""
	}
	return s.model.Version
}

// Options lists the distinct filter values, sorted.
func (s *Session) Options() Options {
	o := Options{}
	for _, c := range s.customers {
		o.Gender = appendUnique(o.Gender, c.Gender)
		o.Contract = appendUnique(o.Contract, c.Contract)
		o.Payment = appendUnique(o.Payment, c.PaymentMethod)
	}
	slices.Sort(o.Gender)
	slices.Sort(o.Contract)
	slices.Sort(o.Payment)
	return o
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

// Analyze computes every dashboard view over the customers matching f.
func (s *Session) Analyze(f Filter) (*Analysis, error) {
	key := f.key()

	s.mu.RLock()
	a, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return a, nil
	}

	rows := make([]int, 0, len(s.customers))
	list := make([]dataset.Customer, 0, len(s.customers))
	for i, c := range s.customers {
		if f.match(c) {
			rows = append(rows, i)
			list = append(list, c)
		}
	}

	a, err := analyze(f, s.frame.Select(rows), list, s.model)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = a
	s.mu.Unlock()
	return a, nil
}

// Assessments scores every customer of the session against the full batch.
func (s *Session) Assessments() []risk.Assessment {
	return risk.ScoreBatch(s.customers)
}

// Probabilities returns the model churn probability of every customer, in
// session order. It returns nil when the session has no model.
func (s *Session) Probabilities() ([]float64, error) {
	if s.model == nil {
		return nil, nil
	}
	return s.model.Bundle.Predict(s.frame)
}
