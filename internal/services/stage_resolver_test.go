package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanreport/internal/adapters/bitrix"
)

type fakeStageLister struct {
	stages []bitrix.Stage
	err    error
	calls  int32
}

func (f *fakeStageLister) ListStages(context.Context) ([]bitrix.Stage, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.stages, f.err
}

func TestResolveFetchesDirectoryOnce(t *testing.T) {
	lister := &fakeStageLister{stages: []bitrix.Stage{
		{Name: "Новая", StatusID: "C8:NEW"},
		{Name: "Уборка завершена", StatusID: "C8:FINISHED"},
	}}
	r := NewStageResolver(lister)

	for i := 0; i < 5; i++ {
		code, err := r.Resolve(context.Background(), "Уборка завершена")
		require.NoError(t, err)
		assert.Equal(t, "C8:FINISHED", code)
	}

	assert.Equal(t, int32(1), lister.calls)
}

func TestResolveUnknownName(t *testing.T) {
	lister := &fakeStageLister{stages: []bitrix.Stage{{Name: "Новая", StatusID: "C8:NEW"}}}
	r := NewStageResolver(lister)

	_, err := r.Resolve(context.Background(), "Несуществующая")
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestResolveFetchErrorDoesNotPoisonCache(t *testing.T) {
	lister := &fakeStageLister{err: errors.New("bitrix unavailable")}
	r := NewStageResolver(lister)

	_, err := r.Resolve(context.Background(), "Новая")
	require.Error(t, err)

	lister.err = nil
	lister.stages = []bitrix.Stage{{Name: "Новая", StatusID: "C8:NEW"}}

	code, err := r.Resolve(context.Background(), "Новая")
	require.NoError(t, err)
	assert.Equal(t, "C8:NEW", code)
}

func TestResolveConcurrentFirstUseFetchesOnce(t *testing.T) {
	lister := &fakeStageLister{stages: []bitrix.Stage{{Name: "Новая", StatusID: "C8:NEW"}}}
	r := NewStageResolver(lister)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := r.Resolve(context.Background(), "Новая")
			assert.NoError(t, err)
			assert.Equal(t, "C8:NEW", code)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), lister.calls)
}
