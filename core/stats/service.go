package stats

import (
	"context"
	"math"

	"setu/core/store"
	"setu/core/utils"
)

type Government struct {
	Completed      int `json:"completed"`
	Pending        int `json:"pending"`
	Total          int `json:"total"`
	CompletionRate int `json:"completion_rate"`
	NGOs           int `json:"ngos"`
}

type Scorecard struct {
	Climate int `json:"climate"`
	Water   int `json:"water"`
	Land    int `json:"land"`
	Overall int `json:"overall"`
}

type NGO struct {
	Assigned   int       `json:"assigned"`
	InProgress int       `json:"in_progress"`
	Completed  int       `json:"completed"`
	Points     int64     `json:"points"`
	Scorecard  Scorecard `json:"scorecard"`
}

type Service struct {
	reports store.ReportsStore
	users   store.UsersStore
	logger  *utils.Logger
}

func NewService(reports store.ReportsStore, users store.UsersStore, logger *utils.Logger) *Service {
	return &Service{reports: reports, users: users, logger: logger}
}

// Government summarises every report. Pending counts all open statuses.
func (s *Service) Government(ctx context.Context) (*Government, error) {
	counts, err := s.reports.CountByStatus(ctx, "")
	if err != nil {
		return nil, utils.Retryable("count reports", err)
	}
	ngos, err := s.users.CountUsersByRole(ctx, store.RoleNGO)
	if err != nil {
		return nil, utils.Retryable("count ngos", err)
	}
	g := &Government{NGOs: ngos}
	for status, n := range counts {
		g.Total += n
		if status == store.StatusCompleted {
			g.Completed += n
		} else if status.Open() {
			g.Pending += n
		}
	}
	if g.Total > 0 {
		g.CompletionRate = int(math.Round(float64(g.Completed) * 100 / float64(g.Total)))
	}
	return g, nil
}

func (s *Service) NGO(ctx context.Context, ngoID string) (*NGO, error) {
	counts, err := s.reports.CountByStatus(ctx, ngoID)
	if err != nil {
		return nil, utils.Retryable("count assigned", err)
	}
	completedByCategory, err := s.reports.CountByCategory(ctx, ngoID, store.StatusCompleted)
	if err != nil {
		return nil, utils.Retryable("count categories", err)
	}
	user, err := s.users.GetUser(ctx, ngoID)
	if err != nil {
		return nil, utils.Retryable("load ngo", err)
	}
	out := &NGO{
		InProgress: counts[store.StatusInProgress],
		Completed:  counts[store.StatusCompleted],
		Scorecard:  ComputeScorecard(completedByCategory),
	}
	for _, n := range counts {
		out.Assigned += n
	}
	if user != nil {
		out.Points = user.Points
	}
	return out, nil
}

// ComputeScorecard derives the sustainability scores from completed reports
// per category.
func ComputeScorecard(completed map[store.Category]int) Scorecard {
	garbage := completed[store.CategoryGarbage]
	deforestation := completed[store.CategoryDeforestation]
	sc := Scorecard{
		Climate: capScore(10 * deforestation),
		Water:   capScore(10 * garbage),
		Land:    capScore(5 * (garbage + deforestation)),
	}
	sc.Overall = int(math.Round(float64(sc.Climate+sc.Water+sc.Land) / 3))
	return sc
}

func capScore(v int) int {
	if v > 100 {
		return 100
	}
	return v
}
