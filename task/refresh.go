package task

import (
	"context"
	"fmt"
)

// CatalogRefresher reloads plans edited by other processes
type CatalogRefresher interface {
	Refresh(ctx context.Context) error
}

// RefreshJob returns a Job reloading catalog. Every process holds its own copy of the
// catalog, so the job runs everywhere and takes no lock.
func RefreshJob(catalog CatalogRefresher) (Job, error) {
	if catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	return func(ctx context.Context) (bool, error) {
		if err := catalog.Refresh(ctx); err != nil {
			return true, err
		}
		return true, nil
	}, nil
}
