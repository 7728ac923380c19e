package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairScheduler(t *testing.T) {
	t.Run("invalid schedule", func(t *testing.T) {
		sf := newServiceFixture(t)
		_, err := NewRepairScheduler(sf.svc, "every other tuesday")
		assert.Error(t, err)
	})

	t.Run("run once restores defaults", func(t *testing.T) {
		sf := newServiceFixture(t)
		r, err := NewRepairScheduler(sf.svc, "@hourly")
		require.NoError(t, err)

		require.NoError(t, sf.store.RevokeGlobalPermission(sf.ctx, sf.def, PermForkRepository))
		added, err := r.RunOnce(sf.ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{PermForkRepository}, added)
		assert.Equal(t, 1.0, testutil.ToFloat64(sf.metrics.RepairRunsTotal.WithLabelValues("success")))
	})

	t.Run("failure is counted", func(t *testing.T) {
		sf := newServiceFixture(t)
		r, err := NewRepairScheduler(sf.svc, "@hourly")
		require.NoError(t, err)

		require.NoError(t, sf.db.Close())
		_, err = r.RunOnce(sf.ctx)
		assert.Error(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(sf.metrics.RepairRunsTotal.WithLabelValues("failure")))
	})

	t.Run("start and stop", func(t *testing.T) {
		sf := newServiceFixture(t)
		r, err := NewRepairScheduler(sf.svc, "@every 1h")
		require.NoError(t, err)

		r.Start()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, r.Stop(ctx))
	})
}
