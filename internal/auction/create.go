package auction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

// CreateAuction stores a validated auction as SCHEDULED and arms its
// triggers. If any trigger cannot be armed the auction is removed again and
// the call fails with ErrFatal. Every call allocates a fresh auction id.
func (m *Machine) CreateAuction(ctx context.Context, in domain.NewAuction) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	now := m.Clock.Now()
	id := uuid.NewString()
	a := domain.Auction{
		ID:              id,
		Item:            in.Item,
		Description:     in.Description,
		BasePrice:       in.BasePrice,
		StartTime:       in.StartTime.UTC(),
		EndTime:         in.EndTime.UTC(),
		Status:          domain.StatusScheduled,
		SnipesRemaining: in.SnipeBudget,
		Extension:       in.Extension,
		SnipeWindow:     in.SnipeWindow,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	images, err := m.uploadImages(ctx, id, in.Images)
	if err != nil {
		return "", err
	}
	if m.Records != nil {
		if err := m.Records.Create(ctx, recordOf(a, in.SnipeBudget, images)); err != nil {
			return "", fmt.Errorf("auction: create record %s: %w", id, err)
		}
	}
	if err := m.States.Create(ctx, a); err != nil {
		m.deleteRecord(ctx, id)
		return "", fmt.Errorf("auction: create state %s: %w", id, err)
	}

	inline, err := m.armAll(ctx, a, now)
	if err != nil {
		m.rollback(ctx, id)
		m.alert(ctx, "auction_create_failed", "Auction creation failed",
			fmt.Sprintf("auction %s (%s) could not arm its triggers: %v", id, a.Item, err))
		return "", fmt.Errorf("%w: auction %s: %w", domain.ErrFatal, id, err)
	}

	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", id),
		slog.String("item", a.Item),
		slog.Time("start_time", a.StartTime),
		slog.Time("end_time", a.EndTime),
		slog.Bool("immediate_provision", inline),
	)

	if inline {
		// Provisioning now is best effort: the start trigger provisions again
		// on its way through CREATING.
		if err := m.advance(ctx, id, domain.StatusCreating); err != nil {
			m.logger.WarnContext(ctx, "immediate provisioning failed",
				slog.String("auction_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m.announceNew(ctx, a)
	m.audit(ctx, "auction_created", map[string]any{
		"auction_id": id,
		"item":       a.Item,
		"created_by": a.CreatedBy,
		"start_time": a.StartTime,
		"end_time":   a.EndTime,
	})
	return id, nil
}

// armAll arms end, start and, when start is further away than the resource
// lead, create-resources. It reports whether provisioning should instead run
// immediately.
func (m *Machine) armAll(ctx context.Context, a domain.Auction, now time.Time) (bool, error) {
	if err := m.Scheduler.Arm(ctx, domain.TriggerEnd, a.ID, a.EndTime, nil); err != nil {
		return false, err
	}
	if err := m.Scheduler.Arm(ctx, domain.TriggerStart, a.ID, a.StartTime, nil); err != nil {
		return false, err
	}
	if a.StartTime.Sub(now) <= m.cfg.ResourceLead {
		return true, nil
	}
	if err := m.Scheduler.Arm(ctx, domain.TriggerCreateResources, a.ID, a.StartTime.Add(-m.cfg.ResourceLead), nil); err != nil {
		return false, err
	}
	return false, nil
}

func (m *Machine) rollback(ctx context.Context, id string) {
	if err := m.Scheduler.DisarmAll(ctx, id); err != nil {
		m.logger.ErrorContext(ctx, "rollback: disarm failed", slog.String("auction_id", id), slog.String("error", err.Error()))
	}
	if err := m.States.Delete(ctx, id); err != nil {
		m.logger.ErrorContext(ctx, "rollback: delete state failed", slog.String("auction_id", id), slog.String("error", err.Error()))
	}
	m.deleteRecord(ctx, id)
}

func (m *Machine) deleteRecord(ctx context.Context, id string) {
	if m.Records == nil {
		return
	}
	if err := m.Records.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.ErrorContext(ctx, "rollback: delete record failed", slog.String("auction_id", id), slog.String("error", err.Error()))
	}
}

func (m *Machine) uploadImages(ctx context.Context, id string, images [][]byte) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if m.Blobs == nil {
		m.logger.WarnContext(ctx, "object storage disabled, images dropped",
			slog.String("auction_id", id),
			slog.Int("images", len(images)),
		)
		return nil, nil
	}
	paths := make([]string, 0, len(images))
	for i, img := range images {
		path := domain.ImagePath(id, i)
		if err := m.Blobs.Put(ctx, path, bytes.NewReader(img), "image/jpeg"); err != nil {
			return nil, fmt.Errorf("auction: upload image %d of %s: %w", i, id, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// announceNew sends the new-auction mail to every registered user.
func (m *Machine) announceNew(ctx context.Context, a domain.Auction) {
	if m.Mail == nil || m.Users == nil {
		return
	}
	users, err := m.Users.ListUsers(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "new auction mail skipped", slog.String("auction_id", a.ID), slog.String("error", err.Error()))
		return
	}
	data := map[string]any{
		"item":        a.Item,
		"description": a.Description,
		"base_price":  a.BasePrice.String(),
		"start_time":  a.StartTime.Format(time.RFC3339),
		"end_time":    a.EndTime.Format(time.RFC3339),
	}
	sent := 0
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		job := domain.MailJob{
			Kind:      domain.MailNewAuction,
			AuctionID: a.ID,
			To:        []string{u.Email},
			Subject:   "New auction: " + a.Item,
			Data:      data,
		}
		if err := m.Mail.Dispatch(ctx, job); err != nil {
			m.logger.WarnContext(ctx, "mail dispatch failed",
				slog.String("auction_id", a.ID),
				slog.String("user_id", u.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}
	m.logger.InfoContext(ctx, "new auction announced", slog.String("auction_id", a.ID), slog.Int("recipients", sent))
}

func recordOf(a domain.Auction, budget int, images []string) domain.AuctionRecord {
	return domain.AuctionRecord{
		ID:          a.ID,
		Item:        a.Item,
		Description: a.Description,
		BasePrice:   a.BasePrice,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		CreatedBy:   a.CreatedBy,
		Extension:   a.Extension,
		SnipeWindow: a.SnipeWindow,
		SnipeBudget: budget,
		ImagePaths:  images,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}
