package ndm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/internal/driver/simdriver"
	"github.com/zhukovaskychina/goftl/internal/ndm"
)

func testGeometry() driver.Geometry {
	return driver.Geometry{
		NumDeviceBlocks: 50,
		PagesPerBlock:   64,
		PageSize:        4096,
		SpareSize:       16,
		MaxBadBlocks:    2,
	}
}

func mustFormat(t *testing.T, sim *simdriver.Simulator, cfg ndm.Config) *ndm.Engine {
	t.Helper()
	e, err := ndm.Format(sim, cfg, nil, []ndm.Partition{{FirstBlock: 0, NumBlocks: cfg.NumVirtualBlocks(), Name: "ftln"}})
	require.NoError(t, err)
	return e
}

func TestFormatAndMountRoundTrip(t *testing.T) {
	geo := testGeometry()
	sim := simdriver.New(geo)
	cfg := ndm.Config{Geometry: geo, FormatVersion: ndm.V2}

	e := mustFormat(t, sim, cfg)
	require.Equal(t, 0, e.NumVirtualBlocks()%1) // sanity: no panic computing it

	e2, err := ndm.Mount(sim, cfg, false)
	require.NoError(t, err)
	require.Equal(t, e.State().CtrlBlk0, e2.State().CtrlBlk0)
	require.Equal(t, e.State().CtrlBlk1, e2.State().CtrlBlk1)
}

func TestPhysicalBlockOfIdentityWhenNoBadBlocks(t *testing.T) {
	geo := testGeometry()
	sim := simdriver.New(geo)
	cfg := ndm.Config{Geometry: geo, FormatVersion: ndm.V1}
	e := mustFormat(t, sim, cfg)

	for v := 0; v < 5; v++ {
		require.Equal(t, v, e.PhysicalBlockOf(v))
	}
}

func TestWritePageSurvivesBlockFailure(t *testing.T) {
	geo := testGeometry()
	sim := simdriver.New(geo)
	cfg := ndm.Config{Geometry: geo, FormatVersion: ndm.V2}
	e := mustFormat(t, sim, cfg)

	sim.SeedBadBlock(0) // virtual block 0 is already bad on disk

	data := make([]byte, geo.PageSize)
	spare := driver.NewSpareArea(geo.SpareSize)
	res, err := e.WritePage(0, 0, data, spare)
	require.NoError(t, err)
	require.Equal(t, driver.ResultOK, res)

	// Block 0 should now be relocated; translation must point elsewhere.
	require.NotEqual(t, 0, e.PhysicalBlockOf(0))
}

func TestReAttachAfterRelocationIsConsistent(t *testing.T) {
	geo := testGeometry()
	sim := simdriver.New(geo)
	cfg := ndm.Config{Geometry: geo, FormatVersion: ndm.V2}
	e := mustFormat(t, sim, cfg)

	sim.SeedBadBlock(3)
	data := make([]byte, geo.PageSize)
	spare := driver.NewSpareArea(geo.SpareSize)
	_, err := e.WritePage(3, 0, data, spare)
	require.NoError(t, err)
	relocated := e.PhysicalBlockOf(3)
	require.NotEqual(t, 3, relocated)

	e2, err := e.ReAttach()
	require.NoError(t, err)
	require.Equal(t, relocated, e2.PhysicalBlockOf(3))
}
