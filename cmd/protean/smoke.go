package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/protean/internal/app"
	"github.com/yungbote/protean/internal/data/repository"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/data/uow"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// smokeRecord is written and removed again by the smoke command.
type smokeRecord struct {
	aggregates.Root
	Note      string    `persist:"note,required"`
	Hits      int64     `persist:"hits"`
	WrittenAt time.Time `persist:"written_at"`
}

func (p *smokeRecord) Hit() {
	p.Hits++
	p.Touch("hits")
}

func smoke(ctx context.Context, a *app.App, providerName string) error {
	reg := schema.NewRegistry()
	if _, err := reg.Register(&smokeRecord{}, schema.WithName("protean_smoke"), schema.WithProvider(providerName)); err != nil {
		return err
	}
	if err := a.Prepare(ctx, reg); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	id := uuid.NewString()
	err := a.Run(ctx, reg, func(u *uow.Unit) error {
		rec := &smokeRecord{Note: "smoke", WrittenAt: time.Now().UTC()}
		rec.ID = id
		return repository.MustFor[*smokeRecord](u).Add(rec)
	})
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	err = a.Run(ctx, reg, func(u *uow.Unit) error {
		rec, err := repository.MustFor[*smokeRecord](u).Get(ctx, id)
		if err != nil {
			return err
		}
		rec.Hit()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	return a.Run(ctx, reg, func(u *uow.Unit) error {
		repo := repository.MustFor[*smokeRecord](u)
		rec, err := repo.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("read back: %w", err)
		}
		if rec.Version != 2 || rec.Hits != 1 {
			return fmt.Errorf("read back: want version=2 hits=1 got version=%d hits=%d", rec.Version, rec.Hits)
		}
		return repo.Remove(rec)
	})
}
