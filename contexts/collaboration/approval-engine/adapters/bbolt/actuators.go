package boltadapter

import (
	"context"
	"strings"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// ResultPuller fetches a released result from the secure node.
type ResultPuller interface {
	Pull(ctx context.Context, release entities.TeeDownloadAction) error
}

type releaseRow struct {
	Release    entities.TeeDownloadAction
	ReleasedAt time.Time
}

// Actuators applies decided votes to the routes, projects and releases kept
// in the same bbolt file as the ledger.
type Actuators struct {
	store  *Store
	puller ResultPuller
}

func NewActuators(store *Store, puller ResultPuller) *Actuators {
	return &Actuators{store: store, puller: puller}
}

func (a *Actuators) RouteExists(_ context.Context, srcPartyID string, dstPartyID string) (bool, error) {
	found := false
	err := a.store.bolt.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketRoutes).Get(pairKey(srcPartyID, dstPartyID)) != nil
		return nil
	})
	return found, err
}

func (a *Actuators) CreateRoute(_ context.Context, route entities.RouteAction) error {
	return a.store.bolt.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRoutes), pairKey(route.SrcPartyID, route.DstPartyID), route)
	})
}

func (a *Actuators) GetProject(_ context.Context, projectID string) (entities.Project, bool, error) {
	var project entities.Project
	found := false
	err := a.store.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProjects).Get([]byte(strings.TrimSpace(projectID)))
		if raw == nil {
			return nil
		}
		found = true
		return decode(raw, &project)
	})
	return project, found, err
}

func (a *Actuators) SaveProject(_ context.Context, project entities.Project) error {
	return a.store.bolt.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketProjects), []byte(strings.TrimSpace(project.ProjectID)), project)
	})
}

func (a *Actuators) MarkArchived(_ context.Context, projectID string) (bool, error) {
	changed := false
	err := a.store.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProjects)
		key := []byte(strings.TrimSpace(projectID))
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		var project entities.Project
		if err := decode(raw, &project); err != nil {
			return err
		}
		if project.Status == entities.ProjectStatusArchived {
			return nil
		}
		project.Status = entities.ProjectStatusArchived
		changed = true
		return putJSON(bucket, key, project)
	})
	return changed, err
}

func (a *Actuators) DeleteMemberships(_ context.Context, projectID string, parties []string) (int, error) {
	removed := 0
	err := a.store.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProjects)
		key := []byte(strings.TrimSpace(projectID))
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		var project entities.Project
		if err := decode(raw, &project); err != nil {
			return err
		}
		kept := make([]string, 0, len(project.Members))
		for _, member := range project.Members {
			drop := false
			for _, party := range parties {
				if member == strings.TrimSpace(party) {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, member)
			}
		}
		removed = len(project.Members) - len(kept)
		project.Members = kept
		return putJSON(bucket, key, project)
	})
	return removed, err
}

// PullResultFromSecureNode records the release after a successful pull and
// skips releases already recorded.
func (a *Actuators) PullResultFromSecureNode(ctx context.Context, release entities.TeeDownloadAction) error {
	key := []byte(release.ProjectID + keySeparator + release.ResourceID + keySeparator + release.Requester)
	released := false
	if err := a.store.bolt.View(func(tx *bbolt.Tx) error {
		released = tx.Bucket(bucketReleases).Get(key) != nil
		return nil
	}); err != nil {
		return err
	}
	if released {
		return nil
	}
	if a.puller != nil {
		if err := a.puller.Pull(ctx, release); err != nil {
			return xerrors.Errorf("failed to pull result %s: %w", release.ResourceID, err)
		}
	}
	return a.store.bolt.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketReleases), key, releaseRow{Release: release, ReleasedAt: time.Now().UTC()})
	})
}
