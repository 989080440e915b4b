// Package memory is an in-process Repository. It backs the dev server and
// every engine test.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
)

type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	tokens      map[string]models.Token
	doctors     map[string]models.Doctor
	departments map[string]models.Department
	hospitals   map[string]models.Hospital
	sequences   map[string]int
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		tokens:      make(map[string]models.Token),
		doctors:     make(map[string]models.Doctor),
		departments: make(map[string]models.Department),
		hospitals:   make(map[string]models.Hospital),
		sequences:   make(map[string]int),
	}
}

// WithClock makes CreatedAt/UpdatedAt follow now instead of the wall clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *Store) AddHospital(h models.Hospital) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hospitals[h.HospitalID] = h
}

func (s *Store) AddDepartment(d models.Department) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.departments[d.DepartmentID] = d
}

func (s *Store) AddDoctor(d models.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[d.DoctorID] = d
}

// PutToken stores token as is, bypassing position and uniqueness checks.
// The sequence counter is advanced past the token's position.
func (s *Store) PutToken(token models.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.TokenID] = token.Clone()
	key := sequenceKey(token.DoctorID, token.QueueDay)
	if token.QueuePosition > s.sequences[key] {
		s.sequences[key] = token.QueuePosition
	}
}

func (s *Store) FindToken(_ context.Context, tokenID string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token.Clone(), nil
}

func (s *Store) FindActiveTokensForDoctor(_ context.Context, doctorID string, statuses []models.Status, window models.TimeRange) ([]models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filter(func(t models.Token) bool {
		return t.DoctorID == doctorID && t.Status.In(statuses) && window.Contains(t.ScheduledTime)
	})
	sortByPosition(out)
	return out, nil
}

func (s *Store) FindCompletedTokensForDoctor(_ context.Context, doctorID string, window models.TimeRange) ([]models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filter(func(t models.Token) bool {
		return t.DoctorID == doctorID &&
			t.Status == models.StatusCompleted &&
			t.ConsultationEndTime != nil &&
			window.Contains(*t.ConsultationEndTime)
	})
	sortByPosition(out)
	return out, nil
}

func (s *Store) CountActiveForDoctor(_ context.Context, doctorID string, window models.TimeRange) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filter(func(t models.Token) bool {
		return t.DoctorID == doctorID && t.Status.Active() && window.Contains(t.ScheduledTime)
	})), nil
}

func (s *Store) CountScheduledToday(_ context.Context, doctorID string, day models.TimeRange) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filter(func(t models.Token) bool {
		if t.DoctorID != doctorID || !day.Contains(t.ScheduledTime) {
			return false
		}
		switch t.Status {
		case models.StatusCompleted, models.StatusCancelled, models.StatusNoShow:
			return false
		}
		return true
	})), nil
}

func (s *Store) ListTokensDue(_ context.Context, query store.DueQuery) ([]models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filter(func(t models.Token) bool {
		if !t.Status.In(query.Statuses) || !query.Window.Contains(t.ScheduledTime) {
			return false
		}
		return !query.OnlyUnreminded || !t.ReminderSent
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].TokenID < out[j].TokenID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) ListDoctorsWithActiveTokens(_ context.Context, window models.TimeRange) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, t := range s.tokens {
		if t.Status.Active() && window.Contains(t.ScheduledTime) {
			seen[t.DoctorID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CreateToken(_ context.Context, token models.Token) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.TokenID == "" {
		return models.Token{}, fmt.Errorf("%w: token id is required", store.ErrValidation)
	}
	if _, ok := s.tokens[token.TokenID]; ok {
		return models.Token{}, store.ErrConcurrencyConflict
	}
	if token.Status.Active() && s.positionTaken(token.DoctorID, token.QueueDay, token.QueuePosition, "") {
		return models.Token{}, store.ErrConcurrencyConflict
	}
	now := s.now()
	token.CreatedAt = now
	token.UpdatedAt = now
	s.tokens[token.TokenID] = token.Clone()
	return token.Clone(), nil
}

func (s *Store) UpdateToken(_ context.Context, tokenID string, patch store.TokenPatch) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !patch.Matches(current) {
		return models.Token{}, store.ErrConcurrencyConflict
	}
	next := current.Clone()
	patch.Apply(&next)
	if next.Status.Active() && (next.DoctorID != current.DoctorID || next.QueuePosition != current.QueuePosition || next.QueueDay != current.QueueDay) {
		if s.positionTaken(next.DoctorID, next.QueueDay, next.QueuePosition, tokenID) {
			return models.Token{}, store.ErrConcurrencyConflict
		}
	}
	next.UpdatedAt = s.now()
	s.tokens[tokenID] = next
	return next.Clone(), nil
}

func (s *Store) NextQueuePosition(_ context.Context, doctorID, queueDay string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sequenceKey(doctorID, queueDay)
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) FindDoctor(_ context.Context, doctorID string) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[doctorID]
	if !ok {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	return doctor, nil
}

func (s *Store) FindActiveDoctorsInDepartment(_ context.Context, departmentID, excludingDoctorID string) ([]models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Doctor
	for _, d := range s.doctors {
		if d.PrimaryDepartmentID == departmentID && d.DoctorID != excludingDoctorID && d.Status == models.DoctorAvailable {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DoctorID < out[j].DoctorID })
	return out, nil
}

func (s *Store) UpdateDoctorStatus(_ context.Context, doctorID string, status models.DoctorStatus) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[doctorID]
	if !ok {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	doctor.Status = status
	s.doctors[doctorID] = doctor
	return doctor, nil
}

func (s *Store) FindDepartment(_ context.Context, departmentID string) (models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dept, ok := s.departments[departmentID]
	if !ok {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	return dept, nil
}

func (s *Store) FindHospital(_ context.Context, hospitalID string) (models.Hospital, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hospitals[hospitalID]
	if !ok {
		return models.Hospital{}, store.ErrHospitalNotFound
	}
	return h, nil
}

// filter must be called with s.mu held.
func (s *Store) filter(keep func(models.Token) bool) []models.Token {
	var out []models.Token
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (s *Store) positionTaken(doctorID, queueDay string, position int, exceptID string) bool {
	for id, t := range s.tokens {
		if id == exceptID || !t.Status.Active() {
			continue
		}
		if t.DoctorID == doctorID && t.QueueDay == queueDay && t.QueuePosition == position {
			return true
		}
	}
	return false
}

func sequenceKey(doctorID, queueDay string) string {
	return doctorID + "|" + queueDay
}

func sortByPosition(tokens []models.Token) {
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].QueueDay != tokens[j].QueueDay {
			return tokens[i].QueueDay < tokens[j].QueueDay
		}
		if tokens[i].QueuePosition != tokens[j].QueuePosition {
			return tokens[i].QueuePosition < tokens[j].QueuePosition
		}
		return tokens[i].TokenID < tokens[j].TokenID
	})
}
