package ward

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/platform/telemetry"
	"github.com/ehr/adt/pkg/apperrors"
)

// RetryPolicy bounds the optimistic-concurrency retry on ward writes.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 25 * time.Millisecond}
}

type Service struct {
	repo    Repository
	retry   RetryPolicy
	logger  zerolog.Logger
	metrics *telemetry.ADTMetrics
	now     func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger, retry RetryPolicy) *Service {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Service{
		repo:   repo,
		retry:  retry,
		logger: logger.With().Str("component", "ward").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches optional Prometheus counters.
func (s *Service) SetMetrics(m *telemetry.ADTMetrics) {
	s.metrics = m
}

// SetClock replaces the time source used for history timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type CreateWardInput struct {
	Number     string   `json:"ward_number"`
	Name       string   `json:"name"`
	Department string   `json:"department"`
	WardType   string   `json:"ward_type"`
	BedCount   int      `json:"bed_count"`
	BedNumbers []string `json:"bed_numbers"`
}

type UpdateWardInput struct {
	Name       *string `json:"name"`
	Department *string `json:"department"`
	WardType   *string `json:"ward_type"`
}

func (s *Service) CreateWard(ctx context.Context, in CreateWardInput) (*Ward, error) {
	number := strings.TrimSpace(in.Number)
	if number == "" {
		return nil, apperrors.Validation("ward_number is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperrors.Validation("name is required")
	}

	var beds []Bed
	if len(in.BedNumbers) > 0 {
		if in.BedCount != 0 && in.BedCount != len(in.BedNumbers) {
			return nil, apperrors.Validation("bed_count %d does not match %d bed_numbers", in.BedCount, len(in.BedNumbers))
		}
		seen := make(map[string]bool, len(in.BedNumbers))
		for _, n := range in.BedNumbers {
			key := BedKey(n)
			if key == "" {
				return nil, apperrors.Validation("bed numbers must not be blank")
			}
			if seen[key] {
				return nil, apperrors.Validation("duplicate bed number %q", strings.TrimSpace(n))
			}
			seen[key] = true
			beds = append(beds, Bed{Number: strings.TrimSpace(n), History: []BedHistoryEntry{}})
		}
	} else {
		if in.BedCount < 1 {
			return nil, apperrors.Validation("bed_count must be at least 1")
		}
		beds = generateBeds(nil, in.BedCount)
	}

	w := &Ward{
		Number:     number,
		Name:       strings.TrimSpace(in.Name),
		Department: strings.TrimSpace(in.Department),
		WardType:   strings.TrimSpace(in.WardType),
		BedCount:   len(beds),
		Beds:       beds,
	}
	if err := s.repo.Create(ctx, w); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperrors.Conflict(apperrors.CodeDuplicateWard, "ward %s already exists", number)
		}
		return nil, fmt.Errorf("create ward: %w", err)
	}
	w.Summarize()
	s.logger.Info().Str("ward", w.Number).Int("beds", w.BedCount).Msg("ward created")
	return w, nil
}

// GetWard returns a ward including soft-deleted ones.
func (s *Service) GetWard(ctx context.Context, number string) (*Ward, error) {
	w, err := s.repo.Get(ctx, strings.TrimSpace(number))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFound(apperrors.CodeWardNotFound, "ward %s not found", number)
		}
		return nil, err
	}
	w.Summarize()
	return w, nil
}

func (s *Service) ListWards(ctx context.Context, includeDeleted bool, limit, offset int) ([]*Ward, int, error) {
	wards, total, err := s.repo.List(ctx, includeDeleted, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, w := range wards {
		w.Summarize()
	}
	return wards, total, nil
}

// AllWards returns every ward, deleted ones included, for the reconciliation sweep.
func (s *Service) AllWards(ctx context.Context) ([]*Ward, error) {
	return s.repo.ListAll(ctx)
}

func (s *Service) UpdateWard(ctx context.Context, number string, in UpdateWardInput) (*Ward, error) {
	return s.mutate(ctx, number, func(w *Ward) (bool, error) {
		changed := false
		if in.Name != nil && strings.TrimSpace(*in.Name) != w.Name {
			if strings.TrimSpace(*in.Name) == "" {
				return false, apperrors.Validation("name must not be blank")
			}
			w.Name = strings.TrimSpace(*in.Name)
			changed = true
		}
		if in.Department != nil && strings.TrimSpace(*in.Department) != w.Department {
			w.Department = strings.TrimSpace(*in.Department)
			changed = true
		}
		if in.WardType != nil && strings.TrimSpace(*in.WardType) != w.WardType {
			w.WardType = strings.TrimSpace(*in.WardType)
			changed = true
		}
		return changed, nil
	})
}

// ResizeWard changes the number of usable beds. Growing first restores beds
// removed by an earlier shrink, then adds new ones. Shrinking removes beds
// from the end of the ward and fails if any of them is occupied.
func (s *Service) ResizeWard(ctx context.Context, number string, bedCount int) (*Ward, error) {
	if bedCount < 1 {
		return nil, apperrors.Validation("bed_count must be at least 1")
	}
	return s.mutate(ctx, number, func(w *Ward) (bool, error) {
		active := w.ActiveBeds()
		switch {
		case bedCount == len(active):
			return false, nil
		case bedCount < len(active):
			remove := active[bedCount:]
			var occupied []string
			for _, b := range remove {
				if b.Occupied {
					occupied = append(occupied, b.Number)
				}
			}
			if len(occupied) > 0 {
				return false, apperrors.Conflict(apperrors.CodeWardOccupied,
					"cannot remove occupied beds from ward %s", w.Number).WithDetail("occupied_beds", occupied)
			}
			for _, b := range remove {
				b.Deleted = true
			}
		default:
			need := bedCount - len(active)
			for i := range w.Beds {
				if need == 0 {
					break
				}
				if w.Beds[i].Deleted {
					w.Beds[i].Deleted = false
					need--
				}
			}
			w.Beds = append(w.Beds, generateBeds(w.Beds, need)...)
		}
		w.BedCount = bedCount
		return true, nil
	})
}

// DeleteWard soft-deletes a ward with no occupied beds.
func (s *Service) DeleteWard(ctx context.Context, number string) error {
	_, err := s.mutate(ctx, number, func(w *Ward) (bool, error) {
		var occupied []string
		for _, b := range w.ActiveBeds() {
			if b.Occupied {
				occupied = append(occupied, b.Number)
			}
		}
		if len(occupied) > 0 {
			return false, apperrors.Conflict(apperrors.CodeWardOccupied,
				"ward %s still has occupied beds", w.Number).WithDetail("occupied_beds", occupied)
		}
		w.Deleted = true
		return true, nil
	})
	return err
}

// BedHistory returns a bed's history newest first.
func (s *Service) BedHistory(ctx context.Context, wardNumber, bedNumber string) ([]BedHistoryEntry, error) {
	w, err := s.GetWard(ctx, wardNumber)
	if err != nil {
		return nil, err
	}
	bed, err := ResolveBed(w.Beds, bedNumber)
	if err != nil {
		return nil, err
	}
	out := make([]BedHistoryEntry, 0, len(bed.History))
	for i := len(bed.History) - 1; i >= 0; i-- {
		out = append(out, bed.History[i])
	}
	return out, nil
}

// Occupy claims a bed for patientID under the ward's optimistic lock.
func (s *Service) Occupy(ctx context.Context, wardNumber, bedNumber, patientID string) (BedMutation, *Ward, error) {
	return s.MutateBed(ctx, wardNumber, bedNumber, func(_ *Ward, b *Bed) (BedMutation, error) {
		return Occupy(b, patientID, s.now())
	})
}

// Vacate releases a bed held by patientID under the ward's optimistic lock.
func (s *Service) Vacate(ctx context.Context, wardNumber, bedNumber, patientID string) (BedMutation, *Ward, error) {
	return s.MutateBed(ctx, wardNumber, bedNumber, func(_ *Ward, b *Bed) (BedMutation, error) {
		return Vacate(b, patientID, s.now()), nil
	})
}

// MutateBed resolves a bed in a live ward and applies fn to it. A version
// conflict on save restarts from a fresh read, up to the retry policy's
// attempt limit.
func (s *Service) MutateBed(ctx context.Context, wardNumber, bedNumber string, fn func(*Ward, *Bed) (BedMutation, error)) (BedMutation, *Ward, error) {
	var m BedMutation
	w, err := s.mutate(ctx, wardNumber, func(w *Ward) (bool, error) {
		bed, err := ResolveBed(w.Beds, bedNumber)
		if err != nil {
			return false, err
		}
		m, err = fn(w, bed)
		m.WardNumber = w.Number
		m.BedNumber = bed.Number
		if err != nil {
			return false, err
		}
		return !m.Noop, nil
	})
	if err != nil {
		return m, nil, err
	}
	if m.Inconsistent {
		s.metrics.IntegrityAnomaly(string(m.Kind))
		s.logger.Warn().
			Str("ward", m.WardNumber).
			Str("bed", m.BedNumber).
			Str("patient_id", m.PatientID).
			Str("mutation", string(m.Kind)).
			Str("reason", m.Reason).
			Msg("bed history inconsistent with occupancy")
	}
	return m, w, nil
}

// mutate runs fn against a fresh copy of a live ward and saves it when fn
// reports a change.
func (s *Service) mutate(ctx context.Context, number string, fn func(*Ward) (bool, error)) (*Ward, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, apperrors.Validation("ward_number is required")
	}

	for attempt := 1; ; attempt++ {
		w, err := s.repo.Get(ctx, number)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, apperrors.NotFound(apperrors.CodeWardNotFound, "ward %s not found", number)
			}
			return nil, fmt.Errorf("load ward %s: %w", number, err)
		}
		if w.Deleted {
			return nil, apperrors.NotFound(apperrors.CodeWardNotFound, "ward %s not found", number)
		}

		changed, err := fn(w)
		if err != nil {
			return nil, err
		}
		if !changed {
			w.Summarize()
			return w, nil
		}

		err = s.repo.Save(ctx, w)
		if err == nil {
			w.Summarize()
			return w, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("save ward %s: %w", number, err)
		}

		s.metrics.BedWriteConflict()
		s.logger.Debug().Str("ward", number).Int("attempt", attempt).Msg("ward version conflict")
		if attempt >= s.retry.MaxAttempts {
			s.metrics.BedContested()
			return nil, apperrors.Conflict(apperrors.CodeBedContested,
				"ward %s is being modified concurrently, retry later", number).WithDetail("attempts", attempt)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retry.Delay):
		}
	}
}

// generateBeds names n new beds B1, B2, ... skipping numbers already used in existing.
func generateBeds(existing []Bed, n int) []Bed {
	used := make(map[string]bool, len(existing))
	for _, b := range existing {
		used[BedKey(b.Number)] = true
	}
	beds := make([]Bed, 0, n)
	for i := 1; len(beds) < n; i++ {
		number := "B" + strconv.Itoa(i)
		if used[BedKey(number)] {
			continue
		}
		beds = append(beds, Bed{Number: number, History: []BedHistoryEntry{}})
	}
	return beds
}
