package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/arcflow/internal/arc"
	"github.com/petrijr/arcflow/internal/graph"
	"github.com/petrijr/arcflow/pkg/address"
	"github.com/petrijr/arcflow/pkg/api"
)

func TestParametersDrainBeforeRun(t *testing.T) {
	p := newRecorder(nil)
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{}, map[uint16]api.Node{1: p})
	s := h.boot(t, proc0)
	ctx := context.Background()

	require.NoError(t, s.SetParameter(0, 5, []byte{1}))
	require.NoError(t, s.SetParameter(0, 6, []byte{2}))
	require.True(t, h.e.rt.nodes[0].desc.Pending())

	_, err := s.Run(ctx, api.ReturnAfterScan)
	require.NoError(t, err)

	got := p.snapshot()
	require.Equal(t, []string{"reset", "param", "param", "run"}, got.events)
	require.Equal(t, []graph.Param{{Tag: 5, Data: []byte{1}}, {Tag: 6, Data: []byte{2}}}, got.params)
	require.False(t, h.e.rt.nodes[0].desc.Pending())
}

func TestBulkParameterSupersedesQueuedUpdates(t *testing.T) {
	p := newRecorder(nil)
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{}, map[uint16]api.Node{1: p})
	s := h.boot(t, proc0)

	require.NoError(t, s.SetParameter(0, 1, []byte{1}))
	require.NoError(t, s.SetParameter(0, 0, []byte{7, 7}))
	require.NoError(t, s.SetParameter(0, 2, []byte{2}))

	_, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, []graph.Param{{Tag: 0, Data: []byte{7, 7}}, {Tag: 2, Data: []byte{2}}}, p.snapshot().params)
}

func TestSetParameterValidation(t *testing.T) {
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{}, map[uint16]api.Node{1: newRecorder(nil)})
	s := h.boot(t, proc0)

	require.ErrorIs(t, s.SetParameter(1, 1, nil), address.ErrOutOfRange)
	require.ErrorIs(t, s.SetParameter(-1, 1, nil), address.ErrOutOfRange)
	require.Error(t, s.SetParameter(0, api.MaxTag+1, nil))
}

func TestSetParameterCopiesData(t *testing.T) {
	p := newRecorder(nil)
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{}, map[uint16]api.Node{1: p})
	s := h.boot(t, proc0)

	data := []byte{1, 2}
	require.NoError(t, s.SetParameter(0, 4, data))
	data[0] = 9

	_, err := s.Run(context.Background(), api.ReturnAfterScan)
	require.NoError(t, err)
	require.Equal(t, []graph.Param{{Tag: 4, Data: []byte{1, 2}}}, p.snapshot().params)
}

func TestReadParameterUnderLock(t *testing.T) {
	p := newRecorder(nil)
	spec := graph.ImageSpec{
		Nodes: []graph.NodeSpec{{ID: 1, Arcs: []graph.ArcRef{{Arc: 0}}}},
		Arcs:  []arc.Spec{arcAt(0, 64)},
	}
	obs := &fakeObserver{}
	h := newHarness(t, spec, Config{Observer: obs}, map[uint16]api.Node{1: p})
	s := h.boot(t, proc0)
	ctx := context.Background()

	require.NoError(t, s.SetParameter(0, 3, []byte{42}))
	_, err := s.Run(ctx, api.ReturnAfterScan)
	require.NoError(t, err)

	got, err := s.ReadParameter(ctx, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{42}, got)
	require.Equal(t, uint8(0), h.arc(0).Owner())

	n := h.e.rt.nodes[0]
	require.True(t, n.tryLock(200))
	require.Equal(t, uint8(200), h.arc(0).Owner())

	_, err = s.ReadParameter(ctx, 0, 3)
	require.ErrorIs(t, err, ErrBusy)
	require.Empty(t, obs.contentions, "a refused read is not scheduling contention")

	require.NoError(t, n.unlock(200))
	_, err = s.ReadParameter(ctx, 0, 3)
	require.NoError(t, err)
}

func TestNodeLockWithoutArcs(t *testing.T) {
	h := newHarness(t, graph.ImageSpec{Nodes: []graph.NodeSpec{{ID: 1}}}, Config{}, map[uint16]api.Node{1: newRecorder(nil)})
	h.boot(t, proc0)
	n := h.e.rt.nodes[0]

	require.False(t, n.tryLock(0))
	require.True(t, n.tryLock(3))
	require.False(t, n.tryLock(4))
	require.Equal(t, uint8(3), n.lockOwner())
	require.ErrorIs(t, n.unlock(4), arc.ErrNotOwner)
	require.NoError(t, n.unlock(3))
	require.Equal(t, uint8(0), n.lockOwner())
}
