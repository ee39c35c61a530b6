package osmem

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostalloc/memutils"
	"github.com/vkngwrapper/hostalloc/memutils/metadata"
)

// HeapStatistics describes the memory a Heap holds and the OS traffic it has generated
type HeapStatistics struct {
	// Arena covers the break-backed arena: one block, with its allocations and free ranges
	Arena memutils.DetailedStatistics
	// Mapped covers mapped allocations: one block and one allocation per mapping
	Mapped memutils.DetailedStatistics
	// Total sums Arena and Mapped
	Total memutils.Statistics

	// ArenaExtensions is the number of times the break was moved
	ArenaExtensions int
	MapCalls        int
	RemapCalls      int
	UnmapCalls      int
}

// CalculateStatistics overwrites stats with the heap's current statistics
func (h *Heap) CalculateStatistics(stats *HeapStatistics) {
	stats.Arena.Clear()
	stats.Mapped.Clear()
	stats.Total.Clear()

	h.arena.addDetailedStatistics(&stats.Arena)
	h.mappings.addDetailedStatistics(&stats.Mapped)

	stats.Total.AddStatistics(&stats.Arena.Statistics)
	stats.Total.AddStatistics(&stats.Mapped.Statistics)

	stats.ArenaExtensions = h.arena.extensions
	stats.MapCalls = h.mappings.mapCalls
	stats.RemapCalls = h.mappings.remapCalls
	stats.UnmapCalls = h.mappings.unmapCalls
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	printStatistics(json, &stats.Statistics)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedRangeBytes").Int(stats.UnusedRangeBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing the heap. If detailedMap is true, it
// also lists every arena block and every mapping.
func (h *Heap) BuildStatsString(detailedMap bool) string {
	var stats HeapStatistics
	h.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	totalObj := root.Name("Total").Object()
	printStatistics(&totalObj, &stats.Total)
	totalObj.Name("ArenaExtensions").Int(stats.ArenaExtensions)
	totalObj.Name("MapCalls").Int(stats.MapCalls)
	totalObj.Name("RemapCalls").Int(stats.RemapCalls)
	totalObj.Name("UnmapCalls").Int(stats.UnmapCalls)
	totalObj.End()

	arenaObj := root.Name("Arena").Object()
	printDetailedStatistics(&arenaObj, &stats.Arena)
	if detailedMap {
		h.printArenaMap(&arenaObj)
	}
	arenaObj.End()

	mappedObj := root.Name("Mapped").Object()
	printDetailedStatistics(&mappedObj, &stats.Mapped)
	if detailedMap {
		h.printMappingList(&mappedObj)
	}
	mappedObj.End()

	root.End()
	return string(writer.Bytes())
}

func (h *Heap) printArenaMap(json *jwriter.ObjectState) {
	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	_ = h.arena.visitAllBlocks(func(p Pointer, size int, status metadata.Status) error {
		obj := blocks.Object()
		defer obj.End()

		obj.Name("Pointer").String(fmt.Sprintf("%#x", uintptr(p)))
		obj.Name("Status").String(status.String())
		obj.Name("Size").Int(size)
		return nil
	})
}

func (h *Heap) printMappingList(json *jwriter.ObjectState) {
	mappings := json.Name("Mappings").Array()
	defer mappings.End()

	_ = h.mappings.visitAllBlocks(func(p Pointer, size int, length int) error {
		obj := mappings.Object()
		defer obj.End()

		obj.Name("Pointer").String(fmt.Sprintf("%#x", uintptr(p)))
		obj.Name("Size").Int(size)
		obj.Name("Length").Int(length)
		return nil
	})
}
