package store

import "context"

// Usage is a quota measurement. An unmeasured usage always has room.
type Usage struct {
	Used     int64
	Quota    int64
	Measured bool
}

// HasRoom reports whether Used is below threshold*Quota. Unmeasured or
// quota-less usages report room so writes are never blocked on a missing
// estimate.
func (u Usage) HasRoom(threshold float64) bool {
	if !u.Measured || u.Quota <= 0 {
		return true
	}
	return float64(u.Used) < threshold*float64(u.Quota)
}

// Estimator measures storage usage. ok=false means the measurement is not
// available right now.
type Estimator interface {
	Estimate(ctx context.Context) (used, quota int64, ok bool)
}

type EstimatorFunc func(ctx context.Context) (used, quota int64, ok bool)

func (f EstimatorFunc) Estimate(ctx context.Context) (int64, int64, bool) { return f(ctx) }

// SelfEstimator measures a store against its own quota.
func SelfEstimator(s *Store) Estimator {
	return EstimatorFunc(func(context.Context) (int64, int64, bool) {
		return s.TotalSize(), s.Quota(), true
	})
}
