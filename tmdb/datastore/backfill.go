package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hotosm/tmdb/internal/feature"
	"github.com/hotosm/tmdb/log"
	"github.com/hotosm/tmdb/tmdb/datastore/metrics"
	"github.com/hotosm/tmdb/tmdb/datastore/models"
)

// ErrBackfillInconsistent is returned when the database state does not match
// an applied or reverted organisation backfill.
var ErrBackfillInconsistent = errors.New("organisation backfill inconsistent")

// OrganisationBackfill normalizes the legacy free-text organisation tag of
// projects into rows of the organisations table, and reverts it.
//
// Upgrade is not idempotent: running it twice without a Downgrade in between
// fails with ErrOrganisationExists. Downgrade is not scoped to the rows
// created by Upgrade, it removes every named organisation.
type OrganisationBackfill struct {
	projectStore      ProjectStore
	organisationStore OrganisationStore
}

// NewOrganisationBackfill builds an OrganisationBackfill operating on db,
// which is usually a transaction owned by the caller.
func NewOrganisationBackfill(db Queryer) *OrganisationBackfill {
	return &OrganisationBackfill{
		projectStore:      NewProjectStore(db),
		organisationStore: NewOrganisationStore(db),
	}
}

// Upgrade creates one organisation per distinct non-empty organisation tag and
// links every project carrying that tag to it. NULL and empty tags are
// skipped.
func (b *OrganisationBackfill) Upgrade(ctx context.Context) error {
	l := log.GetLogger(ctx).WithFields(log.Fields{"direction": "up"})
	start := time.Now()

	tags, err := b.projectStore.DistinctOrganisationTags(ctx)
	if err != nil {
		return err
	}

	var created, linked, skipped int64
	for _, tag := range tags {
		if !tag.Valid || tag.String == "" {
			skipped++
			continue
		}

		o := &models.Organisation{Name: tag.String}
		if err := b.organisationStore.Create(ctx, o); err != nil {
			return err
		}
		created++

		n, err := b.link(ctx, l, o)
		if err != nil {
			return err
		}
		linked += n
	}

	metrics.Backfill(metrics.OrganisationCreated, created)
	metrics.Backfill(metrics.ProjectLinked, linked)
	metrics.Backfill(metrics.TagSkipped, skipped)

	l.WithFields(log.Fields{
		"organisations_created": created,
		"projects_linked":       linked,
		"tags_skipped":          skipped,
		"duration_s":            time.Since(start).Seconds(),
	}).Info("organisation backfill complete")

	return nil
}

// link points the projects labelled with the name of o to it.
func (b *OrganisationBackfill) link(ctx context.Context, l log.Logger, o *models.Organisation) (int64, error) {
	l = l.WithFields(log.Fields{"organisation_id": o.ID, "organisation_name": o.Name})

	if feature.BatchProjectLink.Enabled() {
		n, err := b.projectStore.LinkOrganisationByTag(ctx, o.Name, o.ID)
		if err != nil {
			return 0, err
		}
		l.WithFields(log.Fields{"projects_linked": n}).Debug("organisation backfilled")
		return n, nil
	}

	pp, err := b.projectStore.FindByOrganisationTag(ctx, o.Name)
	if err != nil {
		return 0, err
	}
	for _, p := range pp {
		if err := b.projectStore.LinkOrganisation(ctx, p, o.ID); err != nil {
			return 0, err
		}
	}
	l.WithFields(log.Fields{"project_ids": pp.IDs()}).Debug("organisation backfilled")

	return int64(len(pp)), nil
}

// Downgrade unlinks every project from its organisation and then deletes all
// named organisations. Organisation tags are left untouched, so Upgrade can run
// again afterwards.
func (b *OrganisationBackfill) Downgrade(ctx context.Context) error {
	l := log.GetLogger(ctx).WithFields(log.Fields{"direction": "down"})
	start := time.Now()

	unlinked, err := b.projectStore.UnlinkAllOrganisations(ctx)
	if err != nil {
		return err
	}

	deleted, err := b.organisationStore.DeleteAllNamed(ctx)
	if err != nil {
		return err
	}

	metrics.Backfill(metrics.ProjectUnlinked, unlinked)
	metrics.Backfill(metrics.OrganisationDeleted, deleted)

	l.WithFields(log.Fields{
		"projects_unlinked":     unlinked,
		"organisations_deleted": deleted,
		"duration_s":            time.Since(start).Seconds(),
	}).Info("organisation backfill reverted")

	return nil
}

// Verify checks that every non-empty organisation tag has an organisation of
// the same name and that every project carrying the tag points to it.
func (b *OrganisationBackfill) Verify(ctx context.Context) error {
	tags, err := b.projectStore.DistinctOrganisationTags(ctx)
	if err != nil {
		return err
	}

	for _, tag := range tags {
		if !tag.Valid || tag.String == "" {
			continue
		}

		o, err := b.organisationStore.FindByName(ctx, tag.String)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("%w: no organisation named %q", ErrBackfillInconsistent, tag.String)
		}

		pp, err := b.projectStore.FindByOrganisationTag(ctx, tag.String)
		if err != nil {
			return err
		}
		for _, p := range pp {
			if !p.OrganisationID.Valid || p.OrganisationID.Int64 != o.ID {
				return fmt.Errorf("%w: project %d is not linked to organisation %d", ErrBackfillInconsistent, p.ID, o.ID)
			}
		}
	}

	return nil
}

// VerifyReverted checks that no project is linked to an organisation and that
// no organisation remains.
func (b *OrganisationBackfill) VerifyReverted(ctx context.Context) error {
	linked, err := b.projectStore.CountLinked(ctx)
	if err != nil {
		return err
	}
	if linked > 0 {
		return fmt.Errorf("%w: %d projects still linked", ErrBackfillInconsistent, linked)
	}

	count, err := b.organisationStore.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %d organisations remain", ErrBackfillInconsistent, count)
	}

	return nil
}
